package postgres

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/domain"
)

// vectorIndex offloads SearchByEmbedding to an external Milvus collection
// when a configuration's corpus is large enough that the in-process cosine
// scan (scanSearch) stops being a reasonable default (spec §4.2's "external
// vector index" option). One shared collection (cfg.Collection, default
// agg_item_embeddings); every search filters on config_id so tenants stay
// isolated inside it.
type vectorIndex struct {
	cli            client.Client
	collectionName string
	vectorField    string
	metricType     entity.MetricType
	topKCap        int
}

func newVectorIndex(ctx context.Context, cfg *config.StoreVector) (*vectorIndex, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, nil
	}
	cli, err := client.NewGrpcClient(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect milvus at %s: %w", cfg.Address, err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "agg_item_embeddings"
	}
	ok, err := cli.HasCollection(ctx, collection)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("check milvus collection %s: %w", collection, err)
	}
	if !ok {
		cli.Close()
		return nil, fmt.Errorf("milvus collection %s does not exist", collection)
	}
	if err := cli.LoadCollection(ctx, collection, false); err != nil {
		cli.Close()
		return nil, fmt.Errorf("load milvus collection %s: %w", collection, err)
	}

	return &vectorIndex{
		cli:            cli,
		collectionName: collection,
		vectorField:    "embedding",
		metricType:     entity.COSINE,
		topKCap:        500,
	}, nil
}

func (v *vectorIndex) Close() error {
	if v == nil || v.cli == nil {
		return nil
	}
	return v.cli.Close()
}

// vectorMatch is a raw Milvus hit: the caller hydrates the full item by cid
// from Postgres rather than Milvus carrying the whole row.
type vectorMatch struct {
	CID        string
	Similarity float64
}

func (v *vectorIndex) searchCIDs(ctx context.Context, configID string, q domain.SearchQuery) ([]vectorMatch, error) {
	topK := q.Limit
	if topK <= 0 {
		topK = 20
	}
	if topK > v.topKCap {
		topK = v.topKCap
	}

	vec := make([]float32, len(q.Vector))
	copy(vec, q.Vector)

	expr := fmt.Sprintf("config_id == %q", configID)
	if q.Type != "" {
		expr += fmt.Sprintf(" && type == %q", q.Type)
	}
	if q.Source != "" {
		expr += fmt.Sprintf(" && source == %q", q.Source)
	}
	if q.StartDate != 0 {
		expr += fmt.Sprintf(" && date >= %d", q.StartDate)
	}
	if q.EndDate != 0 {
		expr += fmt.Sprintf(" && date <= %d", q.EndDate)
	}

	sp, err := entity.NewIndexAUTOINDEXSearchParam(metricParamLevel)
	if err != nil {
		return nil, fmt.Errorf("build milvus search param: %w", err)
	}

	results, err := v.cli.Search(ctx, v.collectionName, nil, expr,
		[]string{"cid"}, []entity.Vector{entity.FloatVector(vec)},
		v.vectorField, v.metricType, topK, sp)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("milvus search: %w", err))
	}

	var out []vectorMatch
	for _, r := range results {
		cidCol, ok := r.Fields.GetColumn("cid").(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for i := 0; i < r.ResultCount; i++ {
			sim := float64(r.Scores[i])
			if sim < q.Threshold {
				continue
			}
			out = append(out, vectorMatch{CID: cidCol.Data()[i], Similarity: sim})
		}
	}
	return out, nil
}

// metricParamLevel is the AUTOINDEX search-param level Milvus expects for
// the COSINE metric at this collection's scale; kept as a constant rather
// than config since tuning it requires reindexing.
const metricParamLevel = 2
