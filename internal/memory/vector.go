// Package memory provides the runtime's durable recall surfaces: a
// qdrant-backed long-term vector store for Smart Memory facts, and a
// redis-backed scratchpad shared between the reasoning loop and background
// swarm workers.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stores the caller-supplied id; Qdrant point ids must be a
// UUID or positive integer, so arbitrary string ids are hashed into one.
const payloadIDField = "_original_id"

// Fact is one retrieved long-term memory entry.
type Fact struct {
	ID        string
	Score     float64
	Text      string
	Type      string
	Timestamp time.Time
}

// VectorStore is the long-term memory backend the Smart Memory background
// worker and the recall/knowledge_base tools read and write.
type VectorStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewVectorStore connects to Qdrant at dsn (host:port, optionally
// ?api_key=...) and ensures collection exists with the given embedding
// dimension.
func NewVectorStore(ctx context.Context, dsn, collection string, dimension int) (*VectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("memory: collection name is required")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "http://" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("memory: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: create qdrant client: %w", err)
	}
	vs := &VectorStore{client: client, collection: collection, dimension: dimension}
	if err := vs.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return vs, nil
}

func (vs *VectorStore) ensureCollection(ctx context.Context) error {
	exists, err := vs.client.CollectionExists(ctx, vs.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection: %w", err)
	}
	if exists {
		return nil
	}
	if vs.dimension <= 0 {
		return fmt.Errorf("memory: embedding dimension must be > 0")
	}
	return vs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: vs.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vs.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Insert stores a fact with its embedding and metadata. id is an
// application-chosen identifier, hashed into a UUID if it isn't one.
func (vs *VectorStore) Insert(ctx context.Context, id string, vector []float32, text, factType string, ts time.Time) error {
	pointID := id
	if _, err := uuid.Parse(id); err != nil {
		pointID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}
	payload := map[string]any{
		payloadIDField: id,
		"text":         text,
		"type":         factType,
		"timestamp":    ts.Format(time.RFC3339),
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(pointID),
		Vectors: qdrant.NewVectorsDense(vector),
		Payload: qdrant.NewValueMap(payload),
	}
	_, err := vs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: vs.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("memory: upsert fact: %w", err)
	}
	return nil
}

// Delete removes the fact stored under id.
func (vs *VectorStore) Delete(ctx context.Context, id string) error {
	pointID := id
	if _, err := uuid.Parse(id); err != nil {
		pointID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}
	_, err := vs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: vs.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID)),
	})
	if err != nil {
		return fmt.Errorf("memory: delete fact: %w", err)
	}
	return nil
}

// Search returns the k nearest facts to vector.
func (vs *VectorStore) Search(ctx context.Context, vector []float32, k int) ([]Fact, error) {
	if k <= 0 {
		k = 3
	}
	limit := uint64(k)
	hits, err := vs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: vs.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	out := make([]Fact, 0, len(hits))
	for _, hit := range hits {
		f := Fact{Score: float64(hit.Score)}
		if hit.Payload != nil {
			if v, ok := hit.Payload[payloadIDField]; ok {
				f.ID = v.GetStringValue()
			}
			if v, ok := hit.Payload["text"]; ok {
				f.Text = v.GetStringValue()
			}
			if v, ok := hit.Payload["type"]; ok {
				f.Type = v.GetStringValue()
			}
			if v, ok := hit.Payload["timestamp"]; ok {
				f.Timestamp, _ = time.Parse(time.RFC3339, v.GetStringValue())
			}
		}
		if f.ID == "" {
			f.ID = hit.Id.GetUuid()
		}
		out = append(out, f)
	}
	return out, nil
}

// Close releases the underlying gRPC connection.
func (vs *VectorStore) Close() error {
	return vs.client.Close()
}
