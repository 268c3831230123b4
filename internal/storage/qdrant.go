package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"hmlr-memory/internal/config"
	"hmlr-memory/internal/logging"
	"hmlr-memory/pkg/types"
)

// QdrantStore implements VectorStore over two qdrant collections, one for
// turn-level memories and one for sub-turn chunks. Point ids are UUIDv5
// hashes of the logical item id; the logical id rides in the payload.
type QdrantStore struct {
	config *config.QdrantConfig
	dims   int
	client *qdrant.Client
	logger logging.Logger
}

// NewQdrantStore creates an unconnected store. Call Initialize before use.
func NewQdrantStore(cfg *config.QdrantConfig, dims int) *QdrantStore {
	return &QdrantStore{
		config: cfg,
		dims:   dims,
		logger: logging.WithComponent("vectorstore"),
	}
}

// Initialize connects and creates missing collections.
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qs.config.Host,
		Port:   qs.config.Port,
		APIKey: qs.config.APIKey,
		UseTLS: qs.config.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}
	qs.client = client

	existing, err := qs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	for _, name := range []string{qs.config.MemoryCollection, qs.config.ChunkCollection} {
		if have[name] {
			continue
		}
		err = qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(qs.dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		qs.logger.Info("created qdrant collection", "collection", name, "dims", qs.dims)
	}
	return nil
}

// UpsertMemory indexes a memory's embedding.
func (qs *QdrantStore) UpsertMemory(ctx context.Context, m *types.Memory) error {
	if len(m.Embedding) == 0 {
		return fmt.Errorf("memory %s has no embedding", m.ID)
	}
	payload := map[string]*qdrant.Value{
		"item_id":   stringToValue(m.ID),
		"turn_id":   stringToValue(m.TurnID),
		"block_id":  stringToValue(m.BlockID),
		"timestamp": int64ToValue(m.CreatedAt.Unix()),
	}
	return qs.upsert(ctx, qs.config.MemoryCollection, m.ID, m.Embedding, payload)
}

// UpsertChunk indexes a chunk's embedding.
func (qs *QdrantStore) UpsertChunk(ctx context.Context, c *types.Chunk) error {
	if len(c.Embedding) == 0 {
		return fmt.Errorf("chunk %s has no embedding", c.ID)
	}
	payload := map[string]*qdrant.Value{
		"item_id":   stringToValue(c.ID),
		"type":      stringToValue(string(c.Type)),
		"turn_id":   stringToValue(c.TurnID),
		"block_id":  stringToValue(c.BlockID),
		"timestamp": int64ToValue(c.CreatedAt.Unix()),
	}
	return qs.upsert(ctx, qs.config.ChunkCollection, c.ID, c.Embedding, payload)
}

func (qs *QdrantStore) upsert(ctx context.Context, collection, itemID string, vector []float64, payload map[string]*qdrant.Value) error {
	point := &qdrant.PointStruct{
		Id:      stringToPointID(itemID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: float64ToFloat32(vector)}}},
		Payload: payload,
	}
	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %s into %s: %w", itemID, collection, err)
	}
	return nil
}

// SearchMemories returns the closest memories, optionally scoped to blocks.
func (qs *QdrantStore) SearchMemories(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	return qs.search(ctx, qs.config.MemoryCollection, vector, limit, blockIDs)
}

// SearchChunks returns the closest chunks, optionally scoped to blocks.
func (qs *QdrantStore) SearchChunks(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	return qs.search(ctx, qs.config.ChunkCollection, vector, limit, blockIDs)
}

func (qs *QdrantStore) search(ctx context.Context, collection string, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	var filter *qdrant.Filter
	if len(blockIDs) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(blockIDs))
		for _, blockID := range blockIDs {
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "block_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: blockID},
						},
					},
				},
			})
		}
		filter = &qdrant.Filter{Should: conditions}
	}

	result, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(float64ToFloat32(vector)...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}

	hits := make([]VectorHit, 0, len(result))
	for _, point := range result {
		id := getStringFromPayload(point.Payload, "item_id")
		if id == "" {
			id = pointIDToString(point.Id)
		}
		hits = append(hits, VectorHit{ID: id, Score: float64(point.Score)})
	}
	return hits, nil
}

// HealthCheck verifies the connection.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if qs.client == nil {
		return fmt.Errorf("qdrant client not initialized")
	}
	if _, err := qs.client.GetCollectionInfo(ctx, qs.config.MemoryCollection); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the client. The qdrant client has no explicit close; the
// connection is dropped on garbage collection.
func (qs *QdrantStore) Close() error {
	qs.client = nil
	return nil
}

// Helper conversions.

func stringToPointID(s string) *qdrant.PointId {
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(s)).String()
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: derived}}
}

func pointIDToString(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func stringToValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func int64ToValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func getStringFromPayload(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func float64ToFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
