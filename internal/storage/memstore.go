package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"hmlr-memory/internal/embeddings"
	"hmlr-memory/pkg/types"
)

// MemStore is an in-memory Store used for development mode and tests.
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	blocks   map[string]*types.BridgeBlock
	turns    map[string]*types.Turn
	facts    map[string]*types.Fact
	memories map[string]*types.Memory
	chunks   map[string]*types.Chunk
	usage    map[string]*types.UsageStat
	lineage  map[string]*types.LineageEdge
	affinity map[string]*types.TopicAffinity
	debug    []*types.DebugLog
	jobs     map[string]*SynthesisJob
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[string]*types.BridgeBlock),
		turns:    make(map[string]*types.Turn),
		facts:    make(map[string]*types.Fact),
		memories: make(map[string]*types.Memory),
		chunks:   make(map[string]*types.Chunk),
		usage:    make(map[string]*types.UsageStat),
		lineage:  make(map[string]*types.LineageEdge),
		affinity: make(map[string]*types.TopicAffinity),
		jobs:     make(map[string]*SynthesisJob),
	}
}

func (m *MemStore) Blocks() BlockStore       { return &memBlocks{m} }
func (m *MemStore) Turns() TurnStore         { return &memTurns{m} }
func (m *MemStore) Facts() FactStore         { return &memFacts{m} }
func (m *MemStore) Memories() MemoryStore    { return &memMemories{m} }
func (m *MemStore) Chunks() ChunkStore       { return &memChunks{m} }
func (m *MemStore) Usage() UsageStore        { return &memUsage{m} }
func (m *MemStore) Lineage() LineageStore    { return &memLineage{m} }
func (m *MemStore) Affinity() AffinityStore  { return &memAffinity{m} }
func (m *MemStore) DebugLogs() DebugLogStore { return &memDebug{m} }
func (m *MemStore) Jobs() JobStore           { return &memJobs{m} }

func (m *MemStore) Migrate(context.Context) error     { return nil }
func (m *MemStore) HealthCheck(context.Context) error { return nil }
func (m *MemStore) Close() error                      { return nil }

// blocks

type memBlocks struct{ m *MemStore }

func (b *memBlocks) Insert(_ context.Context, block *types.BridgeBlock) error {
	if err := block.Validate(); err != nil {
		return err
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	cp := *block
	b.m.blocks[block.ID] = &cp
	return nil
}

func (b *memBlocks) Get(_ context.Context, id string) (*types.BridgeBlock, error) {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()
	block, ok := b.m.blocks[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *block
	return &cp, nil
}

func (b *memBlocks) collect(match func(*types.BridgeBlock) bool) []*types.BridgeBlock {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()
	var out []*types.BridgeBlock
	for _, block := range b.m.blocks {
		if match(block) {
			cp := *block
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (b *memBlocks) GetByDay(_ context.Context, dayID string) ([]*types.BridgeBlock, error) {
	return b.collect(func(bl *types.BridgeBlock) bool { return bl.DayID == dayID }), nil
}

func (b *memBlocks) GetByStatus(_ context.Context, status types.BlockStatus) ([]*types.BridgeBlock, error) {
	return b.collect(func(bl *types.BridgeBlock) bool { return bl.Status == status }), nil
}

func (b *memBlocks) GetByDayAndStatus(_ context.Context, dayID string, status types.BlockStatus) ([]*types.BridgeBlock, error) {
	return b.collect(func(bl *types.BridgeBlock) bool { return bl.DayID == dayID && bl.Status == status }), nil
}

func (b *memBlocks) Update(_ context.Context, block *types.BridgeBlock) error {
	if err := block.Validate(); err != nil {
		return err
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if _, ok := b.m.blocks[block.ID]; !ok {
		return types.ErrNotFound
	}
	cp := *block
	b.m.blocks[block.ID] = &cp
	return nil
}

// turns

type memTurns struct{ m *MemStore }

func (t *memTurns) Insert(_ context.Context, turn *types.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cp := *turn
	t.m.turns[turn.ID] = &cp
	return nil
}

func (t *memTurns) Get(_ context.Context, id string) (*types.Turn, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	turn, ok := t.m.turns[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *turn
	return &cp, nil
}

func (t *memTurns) collect(match func(*types.Turn) bool) []*types.Turn {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var out []*types.Turn
	for _, turn := range t.m.turns {
		if match(turn) {
			cp := *turn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTurns) GetByBlock(_ context.Context, blockID string) ([]*types.Turn, error) {
	return t.collect(func(tn *types.Turn) bool { return tn.BlockID == blockID }), nil
}

func (t *memTurns) GetWindowByDay(ctx context.Context, dayID string) ([]*types.Turn, error) {
	dayBlocks := make(map[string]bool)
	t.m.mu.RLock()
	for id, block := range t.m.blocks {
		if block.DayID == dayID {
			dayBlocks[id] = true
		}
	}
	t.m.mu.RUnlock()
	return t.collect(func(tn *types.Turn) bool { return !tn.Evicted && dayBlocks[tn.BlockID] }), nil
}

func (t *memTurns) MarkEvicted(_ context.Context, turnID string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	turn, ok := t.m.turns[turnID]
	if !ok {
		return types.ErrNotFound
	}
	turn.Evicted = true
	return nil
}

func (t *memTurns) CountByBlock(_ context.Context, blockID string) (int, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	n := 0
	for _, turn := range t.m.turns {
		if turn.BlockID == blockID {
			n++
		}
	}
	return n, nil
}

// facts

type memFacts struct{ m *MemStore }

func (f *memFacts) Insert(_ context.Context, fact *types.Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	cp := *fact
	f.m.facts[fact.ID] = &cp
	return nil
}

func (f *memFacts) Get(_ context.Context, id string) (*types.Fact, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	fact, ok := f.m.facts[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *fact
	return &cp, nil
}

func (f *memFacts) collect(match func(*types.Fact) bool) []*types.Fact {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	var out []*types.Fact
	for _, fact := range f.m.facts {
		if match(fact) {
			cp := *fact
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (f *memFacts) GetActiveByKey(_ context.Context, key string) (*types.Fact, error) {
	active := f.collect(func(ft *types.Fact) bool { return ft.Key == key && ft.SupersededBy == "" })
	if len(active) == 0 {
		return nil, types.ErrNotFound
	}
	return active[0], nil
}

func (f *memFacts) GetAllByKey(_ context.Context, key string) ([]*types.Fact, error) {
	return f.collect(func(ft *types.Fact) bool { return ft.Key == key }), nil
}

func (f *memFacts) GetByBlock(_ context.Context, blockID string) ([]*types.Fact, error) {
	return f.collect(func(ft *types.Fact) bool { return ft.BlockID == blockID }), nil
}

func (f *memFacts) GetActiveByCategory(_ context.Context, category types.FactCategory) ([]*types.Fact, error) {
	return f.collect(func(ft *types.Fact) bool { return ft.Category == category && ft.SupersededBy == "" }), nil
}

func (f *memFacts) SearchActiveByKeyPrefix(_ context.Context, prefix string) ([]*types.Fact, error) {
	lower := strings.ToLower(prefix)
	return f.collect(func(ft *types.Fact) bool {
		return ft.SupersededBy == "" && strings.HasPrefix(strings.ToLower(ft.Key), lower)
	}), nil
}

func (f *memFacts) GetActive(_ context.Context) ([]*types.Fact, error) {
	return f.collect(func(ft *types.Fact) bool { return ft.SupersededBy == "" }), nil
}

func (f *memFacts) MarkSuperseded(_ context.Context, id, successorID string) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	fact, ok := f.m.facts[id]
	if !ok {
		return types.ErrNotFound
	}
	fact.SupersededBy = successorID
	return nil
}

func (f *memFacts) PatchBlockID(_ context.Context, turnID, blockID string) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	for _, fact := range f.m.facts {
		if fact.TurnID == turnID {
			fact.BlockID = blockID
		}
	}
	return nil
}

// memories

type memMemories struct{ m *MemStore }

func (mm *memMemories) Insert(_ context.Context, mem *types.Memory) error {
	if err := mem.Validate(); err != nil {
		return err
	}
	mm.m.mu.Lock()
	defer mm.m.mu.Unlock()
	cp := *mem
	mm.m.memories[mem.ID] = &cp
	return nil
}

func (mm *memMemories) Get(_ context.Context, id string) (*types.Memory, error) {
	mm.m.mu.RLock()
	defer mm.m.mu.RUnlock()
	mem, ok := mm.m.memories[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (mm *memMemories) collect(match func(*types.Memory) bool) []*types.Memory {
	mm.m.mu.RLock()
	defer mm.m.mu.RUnlock()
	var out []*types.Memory
	for _, mem := range mm.m.memories {
		if match(mem) {
			cp := *mem
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (mm *memMemories) GetByTurn(_ context.Context, turnID string) ([]*types.Memory, error) {
	return mm.collect(func(m *types.Memory) bool { return m.TurnID == turnID }), nil
}

func (mm *memMemories) GetByBlock(_ context.Context, blockID string) ([]*types.Memory, error) {
	return mm.collect(func(m *types.Memory) bool { return m.BlockID == blockID }), nil
}

func (mm *memMemories) GetAll(_ context.Context) ([]*types.Memory, error) {
	return mm.collect(func(*types.Memory) bool { return true }), nil
}

// chunks

type memChunks struct{ m *MemStore }

func (mc *memChunks) Insert(_ context.Context, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	mc.m.mu.Lock()
	defer mc.m.mu.Unlock()
	cp := *chunk
	mc.m.chunks[chunk.ID] = &cp
	return nil
}

func (mc *memChunks) Get(_ context.Context, id string) (*types.Chunk, error) {
	mc.m.mu.RLock()
	defer mc.m.mu.RUnlock()
	chunk, ok := mc.m.chunks[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *chunk
	return &cp, nil
}

func (mc *memChunks) collect(match func(*types.Chunk) bool) []*types.Chunk {
	mc.m.mu.RLock()
	defer mc.m.mu.RUnlock()
	var out []*types.Chunk
	for _, chunk := range mc.m.chunks {
		if match(chunk) {
			cp := *chunk
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (mc *memChunks) GetByTurn(_ context.Context, turnID string) ([]*types.Chunk, error) {
	return mc.collect(func(c *types.Chunk) bool { return c.TurnID == turnID }), nil
}

func (mc *memChunks) GetByBlock(_ context.Context, blockID string) ([]*types.Chunk, error) {
	return mc.collect(func(c *types.Chunk) bool { return c.BlockID == blockID }), nil
}

func (mc *memChunks) GetAll(_ context.Context) ([]*types.Chunk, error) {
	return mc.collect(func(*types.Chunk) bool { return true }), nil
}

func (mc *memChunks) PatchBlockID(_ context.Context, turnID, blockID string) error {
	mc.m.mu.Lock()
	defer mc.m.mu.Unlock()
	for _, chunk := range mc.m.chunks {
		if chunk.TurnID == turnID {
			chunk.BlockID = blockID
		}
	}
	return nil
}

// usage stats

type memUsage struct{ m *MemStore }

func (mu *memUsage) Bump(_ context.Context, itemID, itemType string, topics []string) error {
	mu.m.mu.Lock()
	defer mu.m.mu.Unlock()
	now := time.Now().UTC()
	stat, ok := mu.m.usage[itemID]
	if !ok {
		mu.m.usage[itemID] = &types.UsageStat{
			ItemID:     itemID,
			ItemType:   itemType,
			UsageCount: 1,
			FirstUsed:  now,
			LastUsed:   now,
			Topics:     append([]string{}, topics...),
		}
		return nil
	}
	stat.UsageCount++
	stat.LastUsed = now
	seen := make(map[string]bool, len(stat.Topics))
	for _, t := range stat.Topics {
		seen[t] = true
	}
	for _, t := range topics {
		if t != "" && !seen[t] {
			stat.Topics = append(stat.Topics, t)
			seen[t] = true
		}
	}
	return nil
}

func (mu *memUsage) Get(_ context.Context, itemID string) (*types.UsageStat, error) {
	mu.m.mu.RLock()
	defer mu.m.mu.RUnlock()
	stat, ok := mu.m.usage[itemID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *stat
	return &cp, nil
}

func (mu *memUsage) TopUsed(_ context.Context, limit int) ([]*types.UsageStat, error) {
	mu.m.mu.RLock()
	defer mu.m.mu.RUnlock()
	out := make([]*types.UsageStat, 0, len(mu.m.usage))
	for _, stat := range mu.m.usage {
		cp := *stat
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lineage

type memLineage struct{ m *MemStore }

func (ml *memLineage) Upsert(_ context.Context, edge *types.LineageEdge) error {
	ml.m.mu.Lock()
	defer ml.m.mu.Unlock()
	cp := *edge
	ml.m.lineage[edge.ItemID] = &cp
	return nil
}

func (ml *memLineage) Get(_ context.Context, itemID string) (*types.LineageEdge, error) {
	ml.m.mu.RLock()
	defer ml.m.mu.RUnlock()
	edge, ok := ml.m.lineage[itemID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *edge
	return &cp, nil
}

func (ml *memLineage) GetByType(_ context.Context, itemType types.LineageItemType) ([]*types.LineageEdge, error) {
	ml.m.mu.RLock()
	defer ml.m.mu.RUnlock()
	var out []*types.LineageEdge
	for _, edge := range ml.m.lineage {
		if edge.ItemType == itemType {
			cp := *edge
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (ml *memLineage) All(_ context.Context) ([]*types.LineageEdge, error) {
	ml.m.mu.RLock()
	defer ml.m.mu.RUnlock()
	out := make([]*types.LineageEdge, 0, len(ml.m.lineage))
	for _, edge := range ml.m.lineage {
		cp := *edge
		out = append(out, &cp)
	}
	return out, nil
}

// topic affinity

type memAffinity struct{ m *MemStore }

func (ma *memAffinity) Get(_ context.Context, topic string) (*types.TopicAffinity, error) {
	ma.m.mu.RLock()
	defer ma.m.mu.RUnlock()
	a, ok := ma.m.affinity[topic]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (ma *memAffinity) Upsert(_ context.Context, a *types.TopicAffinity) error {
	ma.m.mu.Lock()
	defer ma.m.mu.Unlock()
	cp := *a
	ma.m.affinity[a.Topic] = &cp
	return nil
}

func (ma *memAffinity) TopByEvictions(_ context.Context, limit int) ([]*types.TopicAffinity, error) {
	ma.m.mu.RLock()
	defer ma.m.mu.RUnlock()
	out := make([]*types.TopicAffinity, 0, len(ma.m.affinity))
	for _, a := range ma.m.affinity {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvictionCount != out[j].EvictionCount {
			return out[i].EvictionCount > out[j].EvictionCount
		}
		return out[i].Topic < out[j].Topic
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// debug logs

type memDebug struct{ m *MemStore }

func (md *memDebug) Insert(_ context.Context, log *types.DebugLog) error {
	md.m.mu.Lock()
	defer md.m.mu.Unlock()
	cp := *log
	md.m.debug = append(md.m.debug, &cp)
	return nil
}

// synthesis jobs

type memJobs struct{ m *MemStore }

func (mj *memJobs) Insert(_ context.Context, job *SynthesisJob) error {
	mj.m.mu.Lock()
	defer mj.m.mu.Unlock()
	cp := *job
	mj.m.jobs[job.ID] = &cp
	return nil
}

func (mj *memJobs) MarkDone(_ context.Context, id string) error {
	mj.m.mu.Lock()
	defer mj.m.mu.Unlock()
	job, ok := mj.m.jobs[id]
	if !ok {
		return types.ErrNotFound
	}
	now := time.Now().UTC()
	job.DoneAt = &now
	return nil
}

func (mj *memJobs) Pending(_ context.Context, limit int) ([]*SynthesisJob, error) {
	mj.m.mu.RLock()
	defer mj.m.mu.RUnlock()
	var out []*SynthesisJob
	for _, job := range mj.m.jobs {
		if job.DoneAt == nil {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemVectorStore is a brute-force in-memory VectorStore for development
// mode and tests.
type MemVectorStore struct {
	mu           sync.RWMutex
	memVectors   map[string]vecEntry
	chunkVectors map[string]vecEntry
}

type vecEntry struct {
	vector  []float64
	blockID string
}

// NewMemVectorStore creates an empty in-memory vector store.
func NewMemVectorStore() *MemVectorStore {
	return &MemVectorStore{
		memVectors:   make(map[string]vecEntry),
		chunkVectors: make(map[string]vecEntry),
	}
}

func (v *MemVectorStore) Initialize(context.Context) error { return nil }

func (v *MemVectorStore) UpsertMemory(_ context.Context, m *types.Memory) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	vec := make([]float64, len(m.Embedding))
	copy(vec, m.Embedding)
	v.memVectors[m.ID] = vecEntry{vector: vec, blockID: m.BlockID}
	return nil
}

func (v *MemVectorStore) UpsertChunk(_ context.Context, c *types.Chunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	vec := make([]float64, len(c.Embedding))
	copy(vec, c.Embedding)
	v.chunkVectors[c.ID] = vecEntry{vector: vec, blockID: c.BlockID}
	return nil
}

func (v *MemVectorStore) SearchMemories(_ context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return bruteForceSearch(v.memVectors, vector, limit, blockIDs), nil
}

func (v *MemVectorStore) SearchChunks(_ context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return bruteForceSearch(v.chunkVectors, vector, limit, blockIDs), nil
}

func (v *MemVectorStore) HealthCheck(context.Context) error { return nil }
func (v *MemVectorStore) Close() error                      { return nil }

func bruteForceSearch(entries map[string]vecEntry, vector []float64, limit int, blockIDs []string) []VectorHit {
	if limit <= 0 {
		return nil
	}
	allowed := map[string]bool{}
	for _, id := range blockIDs {
		allowed[id] = true
	}
	var hits []VectorHit
	for id, entry := range entries {
		if len(allowed) > 0 && !allowed[entry.blockID] {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: embeddings.CosineSimilarity(vector, entry.vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
