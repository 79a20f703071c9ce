// Package jobmanager implements C6: job lifecycle, single-writer-per-
// configuration enforcement, concurrency caps, cooperative cancellation and
// quota/credential injection at start. It drives internal/pipeline and
// reports progress through internal/statusbus.
package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/pipeline"
	"github.com/signalforge/aggregator/internal/statusbus"
)

// QuotaChecker is C10's narrow contract the manager consults at start.
type QuotaChecker interface {
	CanRunOnce(ctx context.Context, userID, configID string) error
	CanUsePlatformAI(ctx context.Context, userID string) (bool, error)
	IncrementRunCompleted(ctx context.Context, userID, configID string) error
}

// Builder materializes a runnable pipeline for a configuration, with
// secrets expanded and platform credentials injected. Implemented by the
// server wiring layer (it needs the registry, secret store and config
// store, which jobmanager deliberately does not import).
type Builder interface {
	Build(ctx context.Context, cfg domain.Configuration, userID string, aiSkipped bool) (*pipeline.Pipeline, error)
}

// MaxConcurrentJobs bounds the number of simultaneously running jobs across
// all configurations (spec §4.6: "a global cap on concurrent active jobs").
const MaxConcurrentJobs = 64

// Manager owns the live job table and enforces the state machine in
// spec §4.6.
type Manager struct {
	bus     *statusbus.Bus
	builder Builder
	quota   QuotaChecker
	configs domain.ConfigStorer

	mu          sync.Mutex
	jobs        map[string]*runningJob // job id -> handle
	byConfig    map[string]string      // config id -> active job id (single-writer)
	concurrency int
}

type runningJob struct {
	job    domain.Job
	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(bus *statusbus.Bus, builder Builder, quota QuotaChecker, configs domain.ConfigStorer) *Manager {
	return &Manager{
		bus:      bus,
		builder:  builder,
		quota:    quota,
		configs:  configs,
		jobs:     make(map[string]*runningJob),
		byConfig: make(map[string]string),
	}
}

// Start creates and launches a job for cfg in the given mode, asynchronously.
// It returns the new job's id immediately after quota/concurrency checks and
// plugin materialization succeed (job enters "running" only after that
// point, per spec: "rejected by quotas" never reaches "running").
func (m *Manager) Start(ctx context.Context, cfg domain.Configuration, userID string, mode domain.JobMode) (string, error) {
	m.mu.Lock()
	if _, active := m.byConfig[cfg.ID]; active {
		m.mu.Unlock()
		return "", domain.NewConfigError("configuration %s already has an active job", cfg.ID)
	}
	if m.concurrency >= MaxConcurrentJobs {
		m.mu.Unlock()
		return "", domain.NewQuotaError("global concurrent job cap reached")
	}
	m.mu.Unlock()

	if mode == domain.JobModeOnce {
		if err := m.quota.CanRunOnce(ctx, userID, cfg.ID); err != nil {
			return "", err
		}
	}

	aiSkipped := false
	if ok, err := m.quota.CanUsePlatformAI(ctx, userID); err == nil && !ok {
		aiSkipped = true
	}

	pl, err := m.builder.Build(ctx, cfg, userID, aiSkipped)
	if err != nil {
		return "", err
	}

	jobID := ulid.Make().String()
	now := time.Now()
	job := domain.Job{
		ID:        jobID,
		ConfigID:  cfg.ID,
		StartedAt: now,
		UpdatedAt: now,
		Mode:      mode,
		Status:    domain.JobQueued,
		AISkipped: aiSkipped,
		Stats:     domain.JobStats{BySource: make(map[string]domain.SourceStat)},
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{job: job, cancel: cancel}

	m.mu.Lock()
	if _, active := m.byConfig[cfg.ID]; active {
		m.mu.Unlock()
		cancel()
		return "", domain.NewConfigError("configuration %s already has an active job", cfg.ID)
	}
	if m.concurrency >= MaxConcurrentJobs {
		m.mu.Unlock()
		cancel()
		return "", domain.NewQuotaError("global concurrent job cap reached")
	}
	m.jobs[jobID] = rj
	m.byConfig[cfg.ID] = jobID
	m.concurrency++
	m.mu.Unlock()

	m.bus.PublishJobStarted(jobID, cfg.ID)
	m.publish(rj)

	go m.run(runCtx, rj, pl, cfg, userID)

	return jobID, nil
}

// Stop sends a cooperative cancellation signal. The job transitions to
// "cancelled" at the next checkpoint; in-flight network calls finish but
// their results are discarded (spec §5).
func (m *Manager) Stop(jobID string) error {
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	rj.cancel()
	return nil
}

// Get returns the current snapshot for a job id.
func (m *Manager) Get(jobID string) (domain.Job, bool) {
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		if snap, ok := m.bus.Retained(jobID); ok {
			return snap, true
		}
		return domain.Job{}, false
	}
	rj.mu.Lock()
	defer rj.mu.Unlock()
	return rj.job.Snapshot(), true
}

func (m *Manager) setPhase(rj *runningJob, phase domain.JobPhase) {
	rj.mu.Lock()
	rj.job.Phase = phase
	rj.job.UpdatedAt = time.Now()
	rj.mu.Unlock()
	m.publish(rj)
}

func (m *Manager) publish(rj *runningJob) {
	rj.mu.Lock()
	snap := rj.job.Snapshot()
	rj.mu.Unlock()
	m.bus.PublishStatus(snap)
}

func (m *Manager) finish(rj *runningJob, cfg domain.Configuration, userID string, status domain.JobStatus, failErr error) {
	rj.mu.Lock()
	rj.job.Status = status
	rj.job.UpdatedAt = time.Now()
	if failErr != nil {
		rj.job.Error = failErr.Error()
	}
	mode := rj.job.Mode
	rj.mu.Unlock()
	m.publish(rj)

	m.mu.Lock()
	delete(m.jobs, rj.job.ID)
	if m.byConfig[cfg.ID] == rj.job.ID {
		delete(m.byConfig, cfg.ID)
	}
	m.concurrency--
	m.mu.Unlock()

	// Quota increments happen on completion, never on start, so failed jobs
	// don't consume the daily cap (spec §4.10, §8 invariant).
	if status == domain.JobCompleted && mode == domain.JobModeOnce {
		ctx := context.Background()
		if err := m.quota.IncrementRunCompleted(ctx, userID, cfg.ID); err != nil {
			slog.Error("increment run quota failed", "config_id", cfg.ID, "error", err)
		}
		if err := m.configs.IncrementRunsToday(ctx, cfg.ID); err != nil {
			slog.Error("increment runs_today failed", "config_id", cfg.ID, "error", err)
		}
	}
}

func (m *Manager) run(ctx context.Context, rj *runningJob, pl *pipeline.Pipeline, cfg domain.Configuration, userID string) {
	m.setPhase(rj, domain.PhaseConnecting)
	rj.mu.Lock()
	rj.job.Status = domain.JobRunning
	rj.mu.Unlock()
	m.publish(rj)

	dates, err := pipeline.DateRange(cfg.Settings.HistoricalStart, cfg.Settings.HistoricalEnd)
	if err != nil {
		m.finish(rj, cfg, userID, domain.JobFailed, domain.Fatal(err))
		return
	}

	onPhase := func(p domain.JobPhase) {
		if ctx.Err() != nil {
			return
		}
		m.setPhase(rj, p)
	}

	runOnce := cfg.Settings.RunOnce || cfg.Settings.OnlyFetch || cfg.Settings.OnlyGenerate

	for {
		if ctx.Err() != nil {
			m.finish(rj, cfg, userID, domain.JobCancelled, nil)
			return
		}

		var cycle pipeline.CycleResult
		if !cfg.Settings.OnlyGenerate {
			cycle = pl.RunFetchCycle(ctx, dates, onPhase)
			m.mergeStats(rj, cycle)
		}

		if ctx.Err() != nil {
			m.finish(rj, cfg, userID, domain.JobCancelled, nil)
			return
		}

		if !cfg.Settings.OnlyFetch {
			onPhase(domain.PhaseGenerating)
			now := time.Now().Unix()
			windowStart := now - 86400
			force := runOnce // one-shot: every generator runs once, interval ignored
			if errs := pl.RunGenerators(ctx, windowStart, now, force); len(errs) > 0 {
				rj.mu.Lock()
				for _, e := range errs {
					rj.job.Stats.Errors = append(rj.job.Stats.Errors, e.Error())
				}
				rj.mu.Unlock()
			}
		}

		if runOnce {
			m.finish(rj, cfg, userID, domain.JobCompleted, nil)
			return
		}

		onPhase(domain.PhaseIdle)
		select {
		case <-ctx.Done():
			m.finish(rj, cfg, userID, domain.JobCancelled, nil)
			return
		case <-time.After(continuousCycleInterval(cfg)):
		}
	}
}

func (m *Manager) mergeStats(rj *runningJob, cycle pipeline.CycleResult) {
	rj.mu.Lock()
	defer rj.mu.Unlock()
	rj.job.Stats.TotalItemsFetched += cycle.TotalItemsFetched
	rj.job.Stats.NewItems += cycle.NewItems
	rj.job.Stats.AICalls += cycle.AICalls
	rj.job.Stats.Errors = append(rj.job.Stats.Errors, cycle.Errors...)
	for name, stat := range cycle.BySource {
		rj.job.Stats.BySource[name] = stat
	}
}

// continuousCycleInterval is the delay between fetch cycles for continuous
// jobs. A fixed default keeps the manager simple; per-source poll intervals
// are a source-plugin concern (their own rate limiting), not the manager's.
func continuousCycleInterval(cfg domain.Configuration) time.Duration {
	return 30 * time.Second
}
