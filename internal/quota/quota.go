// Package quota implements C10: per-tier limits on configs, daily one-shot
// runs and daily platform-AI calls, plus the per-tier model lookup
// (ModelFor) the server's builder uses when it injects platform AI
// credentials.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/domain"
)

// Service implements jobmanager.QuotaChecker plus the config-creation and
// monetization checks the API layer consults.
type Service struct {
	limits map[domain.Tier]config.TierLimits
	users  domain.UserStorer
	configs domain.ConfigStorer

	mu       sync.Mutex
	runsToday map[string]int // userID -> one-shot completions today (mirrors users table for free/in-memory deployments)
	today     time.Time
}

func New(limits map[string]config.TierLimits, users domain.UserStorer, configs domain.ConfigStorer) *Service {
	tl := make(map[domain.Tier]config.TierLimits, len(limits))
	for k, v := range limits {
		tl[domain.Tier(k)] = v
	}
	return &Service{limits: tl, users: users, configs: configs, runsToday: make(map[string]int), today: dayOf(time.Now())}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (s *Service) resetIfNewDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := dayOf(time.Now())
	if today.After(s.today) {
		s.runsToday = make(map[string]int)
		s.today = today
	}
}

func (s *Service) limitsFor(tier domain.Tier) config.TierLimits {
	if l, ok := s.limits[tier]; ok {
		return l
	}
	return config.TierLimits{MaxConfigs: 1, MaxRunsPerDay: 1, MaxAICallsPerDay: 0}
}

// CanCreateConfig reports whether user may create one more configuration.
func (s *Service) CanCreateConfig(ctx context.Context, user domain.User) error {
	existing, err := s.configs.ListConfigs(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}
	limit := s.limitsFor(user.Tier)
	if limit.MaxConfigs > 0 && len(existing) >= limit.MaxConfigs {
		return domain.NewQuotaError("tier %s allows at most %d configurations", user.Tier, limit.MaxConfigs)
	}
	return nil
}

// CanRunOnce is consulted by the job manager before creating a one-shot job.
// AI-quota exhaustion is handled separately (CanUsePlatformAI) because it
// degrades the job instead of refusing it.
func (s *Service) CanRunOnce(ctx context.Context, userID, configID string) error {
	s.resetIfNewDay()
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return domain.NewConfigError("unknown user %s", userID)
	}
	if user.IsBanned {
		return domain.NewConfigError("user %s is banned", userID)
	}
	limit := s.limitsFor(user.Tier)

	s.mu.Lock()
	count := s.runsToday[userID]
	s.mu.Unlock()

	if limit.MaxRunsPerDay > 0 && count >= limit.MaxRunsPerDay {
		return domain.NewQuotaError("daily run cap of %d reached for tier %s", limit.MaxRunsPerDay, user.Tier)
	}
	return nil
}

// CanUsePlatformAI reports whether userID still has platform-AI quota for
// today. A false result (no error) means the caller should drop AI and
// enrichers and annotate the job aiSkipped=true rather than refuse the run.
func (s *Service) CanUsePlatformAI(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	limit := s.limitsFor(user.Tier)
	if limit.MaxAICallsPerDay <= 0 {
		return false, nil
	}
	return user.AICallsToday < limit.MaxAICallsPerDay, nil
}

// IncrementRunCompleted is called on successful one-shot completion, never
// on start, so failed jobs don't consume the daily run cap (spec §7, §8).
func (s *Service) IncrementRunCompleted(ctx context.Context, userID, configID string) error {
	s.resetIfNewDay()
	s.mu.Lock()
	s.runsToday[userID]++
	s.mu.Unlock()
	return nil
}

// IncrementAICall is called by AI-consuming components on each successful
// platform-AI call (idempotent hooks per spec §4.10: called on completion).
func (s *Service) IncrementAICall(ctx context.Context, userID string) error {
	return s.users.IncrementAICallsToday(ctx, userID)
}

// ModelFor returns the tier-appropriate model identifier for platform AI
// injection (spec §4.6: "set a tier-appropriate model").
func (s *Service) ModelFor(tier domain.Tier) string {
	return s.limitsFor(tier).Model
}

// CheckVisibility enforces the free-tier downgrade rule: a free user
// requesting "private" receives "unlisted" instead (spec §8 boundary).
func CheckVisibility(tier domain.Tier, requested domain.Visibility) domain.Visibility {
	if tier == domain.TierFree && requested == domain.VisibilityPrivate {
		return domain.VisibilityUnlisted
	}
	return requested
}

// CheckMonetization enforces that only paid/admin tiers may enable
// monetization; free-tier attempts are rejected with a 403-mapped error.
func CheckMonetization(tier domain.Tier, enabled bool) error {
	if enabled && tier == domain.TierFree {
		return domain.NewConfigError("free tier may not enable monetization")
	}
	return nil
}
