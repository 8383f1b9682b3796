package memoryindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// QdrantConfig holds the vector backend connection settings.
type QdrantConfig struct {
	// URL is the qdrant address ("https://example.qdrant.io:6334").
	URL        string
	Collection string
	APIKey     string
}

// Qdrant implements Index over a qdrant collection, one point per memory
// with the owning user in the payload.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
}

func NewQdrant(cfg QdrantConfig, embedder Embedder) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &Qdrant{client: client, collection: cfg.Collection, embedder: embedder}, nil
}

func (q *Qdrant) Search(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	vector, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	limitUint64 := uint64(limit)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         userFilter(userID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, assist.NewUpstreamError("memory index", err)
	}

	records := make([]Record, 0, len(points))
	for _, point := range points {
		rec := Record{Score: point.Score}
		if point.Id != nil {
			if id := point.Id.GetUuid(); id != "" {
				rec.ID = id
			} else if num := point.Id.GetNum(); num != 0 {
				rec.ID = fmt.Sprintf("%d", num)
			}
		}
		for k, v := range point.Payload {
			switch k {
			case "text":
				rec.Text = v.GetStringValue()
			case "category":
				rec.Category = v.GetStringValue()
			case "created_at":
				if ts := v.GetIntegerValue(); ts > 0 {
					rec.Timestamp = time.Unix(ts, 0).UTC()
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (q *Qdrant) Save(ctx context.Context, userID, text, category string) (string, error) {
	vector, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"user_id":    userID,
				"text":       text,
				"category":   category,
				"created_at": time.Now().Unix(),
			}),
		}},
	})
	if err != nil {
		return "", assist.NewUpstreamError("memory index", err)
	}
	return id, nil
}

func userFilter(userID string) *qdrant.Filter {
	if userID == "" {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "user_id",
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: userID}},
				},
			},
		}},
	}
}
