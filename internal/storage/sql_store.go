package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers selected by config.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"hmlr-memory/internal/config"
	"hmlr-memory/internal/logging"
	"hmlr-memory/pkg/types"
)

// SQLStore implements Store over database/sql. The same SQL works for both
// sqlite3 and postgres; placeholders are rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger logging.Logger
}

// NewSQLStore opens the configured database.
func NewSQLStore(cfg *config.StorageConfig) (*SQLStore, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	return &SQLStore{
		db:     db,
		driver: cfg.Driver,
		logger: logging.WithComponent("storage"),
	}, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Timestamps are stored as RFC3339Nano text so the schema is identical
// across drivers.
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return []string{}
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return []string{}
	}
	return v
}

// Migrate creates the schema and secondary indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			day_id TEXT NOT NULL,
			topic_label TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			prev_block_id TEXT NOT NULL DEFAULT '',
			open_loops TEXT NOT NULL DEFAULT '[]',
			decisions_made TEXT NOT NULL DEFAULT '[]',
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_day ON blocks(day_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_status ON blocks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_day_status ON blocks(day_id, status)`,

		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			block_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			ai_response TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			affect TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			evicted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_block ON turns(block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_evicted ON turns(evicted, timestamp)`,

		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			block_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			evidence_snippet TEXT NOT NULL DEFAULT '',
			source_chunk_id TEXT NOT NULL DEFAULT '',
			source_paragraph_id TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 1.0,
			superseded_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_key ON facts(key)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_block ON facts(block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_turn ON facts(turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_superseded ON facts(superseded_by)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			block_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_turn ON memories(turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_block ON memories(block_id)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			text_verbatim TEXT NOT NULL,
			lexical_filters TEXT NOT NULL DEFAULT '[]',
			parent_chunk_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL,
			block_id TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_turn ON chunks(turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_block ON chunks(block_id)`,

		`CREATE TABLE IF NOT EXISTS usage_stats (
			item_id TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			first_used TEXT NOT NULL,
			last_used TEXT NOT NULL,
			topics TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_count ON usage_stats(usage_count)`,

		`CREATE TABLE IF NOT EXISTS lineage (
			item_id TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			derived_from TEXT NOT NULL DEFAULT '[]',
			derived_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lineage_type ON lineage(item_type)`,

		`CREATE TABLE IF NOT EXISTS topic_affinity (
			topic TEXT PRIMARY KEY,
			eviction_count INTEGER NOT NULL DEFAULT 0,
			total_time_in_window_ms INTEGER NOT NULL DEFAULT 0,
			avg_time_in_window_ms REAL NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS debug_logs (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS synthesis_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			day_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			done_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON synthesis_jobs(done_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info("schema migration complete", "driver", s.driver)
	return nil
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Blocks() BlockStore        { return &blockStore{s} }
func (s *SQLStore) Turns() TurnStore          { return &turnStore{s} }
func (s *SQLStore) Facts() FactStore          { return &factStore{s} }
func (s *SQLStore) Memories() MemoryStore     { return &memoryStore{s} }
func (s *SQLStore) Chunks() ChunkStore        { return &chunkStore{s} }
func (s *SQLStore) Usage() UsageStore         { return &usageStore{s} }
func (s *SQLStore) Lineage() LineageStore     { return &lineageStore{s} }
func (s *SQLStore) Affinity() AffinityStore   { return &affinityStore{s} }
func (s *SQLStore) DebugLogs() DebugLogStore  { return &debugLogStore{s} }
func (s *SQLStore) Jobs() JobStore            { return &jobStore{s} }

// blocks

type blockStore struct{ s *SQLStore }

const blockColumns = `id, day_id, topic_label, summary, keywords, status, prev_block_id, open_loops, decisions_made, turn_count, created_at, updated_at`

func (bs *blockStore) Insert(ctx context.Context, b *types.BridgeBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := bs.s.exec(ctx,
		`INSERT INTO blocks (`+blockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DayID, b.TopicLabel, b.Summary, marshalStrings(b.Keywords), string(b.Status),
		b.PrevBlockID, marshalStrings(b.OpenLoops), marshalStrings(b.DecisionsMade),
		b.TurnCount, fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert block %s: %w", b.ID, err)
	}
	return nil
}

func scanBlock(sc interface{ Scan(...interface{}) error }) (*types.BridgeBlock, error) {
	var b types.BridgeBlock
	var keywords, openLoops, decisions, status, createdAt, updatedAt string
	err := sc.Scan(&b.ID, &b.DayID, &b.TopicLabel, &b.Summary, &keywords, &status,
		&b.PrevBlockID, &openLoops, &decisions, &b.TurnCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.Keywords = unmarshalStrings(keywords)
	b.Status = types.BlockStatus(status)
	b.OpenLoops = unmarshalStrings(openLoops)
	b.DecisionsMade = unmarshalStrings(decisions)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (bs *blockStore) Get(ctx context.Context, id string) (*types.BridgeBlock, error) {
	row := bs.s.queryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", id, err)
	}
	return b, nil
}

func (bs *blockStore) queryBlocks(ctx context.Context, q string, args ...interface{}) ([]*types.BridgeBlock, error) {
	rows, err := bs.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.BridgeBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (bs *blockStore) GetByDay(ctx context.Context, dayID string) ([]*types.BridgeBlock, error) {
	return bs.queryBlocks(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE day_id = ? ORDER BY updated_at DESC, id DESC`, dayID)
}

func (bs *blockStore) GetByStatus(ctx context.Context, status types.BlockStatus) ([]*types.BridgeBlock, error) {
	return bs.queryBlocks(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE status = ? ORDER BY updated_at DESC, id DESC`, string(status))
}

func (bs *blockStore) GetByDayAndStatus(ctx context.Context, dayID string, status types.BlockStatus) ([]*types.BridgeBlock, error) {
	return bs.queryBlocks(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE day_id = ? AND status = ? ORDER BY updated_at DESC, id DESC`,
		dayID, string(status))
}

func (bs *blockStore) Update(ctx context.Context, b *types.BridgeBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}
	res, err := bs.s.exec(ctx,
		`UPDATE blocks SET day_id = ?, topic_label = ?, summary = ?, keywords = ?, status = ?,
			prev_block_id = ?, open_loops = ?, decisions_made = ?, turn_count = ?, updated_at = ?
		 WHERE id = ?`,
		b.DayID, b.TopicLabel, b.Summary, marshalStrings(b.Keywords), string(b.Status),
		b.PrevBlockID, marshalStrings(b.OpenLoops), marshalStrings(b.DecisionsMade),
		b.TurnCount, fmtTime(b.UpdatedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update block %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// turns

type turnStore struct{ s *SQLStore }

const turnColumns = `id, block_id, user_message, ai_response, keywords, affect, timestamp, evicted`

func (ts *turnStore) Insert(ctx context.Context, t *types.Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	evicted := 0
	if t.Evicted {
		evicted = 1
	}
	_, err := ts.s.exec(ctx,
		`INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BlockID, t.UserMessage, t.AIResponse, marshalStrings(t.Keywords),
		string(t.Affect), fmtTime(t.Timestamp), evicted)
	if err != nil {
		return fmt.Errorf("failed to insert turn %s: %w", t.ID, err)
	}
	return nil
}

func scanTurn(sc interface{ Scan(...interface{}) error }) (*types.Turn, error) {
	var t types.Turn
	var keywords, affect, timestamp string
	var evicted int
	err := sc.Scan(&t.ID, &t.BlockID, &t.UserMessage, &t.AIResponse, &keywords, &affect, &timestamp, &evicted)
	if err != nil {
		return nil, err
	}
	t.Keywords = unmarshalStrings(keywords)
	t.Affect = types.Affect(affect)
	t.Timestamp = parseTime(timestamp)
	t.Evicted = evicted != 0
	return &t, nil
}

func (ts *turnStore) Get(ctx context.Context, id string) (*types.Turn, error) {
	row := ts.s.queryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn %s: %w", id, err)
	}
	return t, nil
}

func (ts *turnStore) queryTurns(ctx context.Context, q string, args ...interface{}) ([]*types.Turn, error) {
	rows, err := ts.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (ts *turnStore) GetByBlock(ctx context.Context, blockID string) ([]*types.Turn, error) {
	return ts.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE block_id = ? ORDER BY timestamp ASC, id ASC`, blockID)
}

func (ts *turnStore) GetWindowByDay(ctx context.Context, dayID string) ([]*types.Turn, error) {
	// Day membership goes through the owning block.
	return ts.queryTurns(ctx,
		`SELECT t.id, t.block_id, t.user_message, t.ai_response, t.keywords, t.affect, t.timestamp, t.evicted
		 FROM turns t JOIN blocks b ON t.block_id = b.id
		 WHERE b.day_id = ? AND t.evicted = 0
		 ORDER BY t.timestamp ASC, t.id ASC`, dayID)
}

func (ts *turnStore) MarkEvicted(ctx context.Context, turnID string) error {
	res, err := ts.s.exec(ctx, `UPDATE turns SET evicted = 1 WHERE id = ?`, turnID)
	if err != nil {
		return fmt.Errorf("failed to mark turn %s evicted: %w", turnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (ts *turnStore) CountByBlock(ctx context.Context, blockID string) (int, error) {
	var n int
	err := ts.s.queryRow(ctx, `SELECT COUNT(*) FROM turns WHERE block_id = ?`, blockID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns for block %s: %w", blockID, err)
	}
	return n, nil
}

// facts

type factStore struct{ s *SQLStore }

const factColumns = `id, key, value, category, block_id, turn_id, evidence_snippet, source_chunk_id, source_paragraph_id, confidence, superseded_by, created_at`

func (fs *factStore) Insert(ctx context.Context, f *types.Fact) error {
	if err := f.Validate(); err != nil {
		return err
	}
	_, err := fs.s.exec(ctx,
		`INSERT INTO facts (`+factColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Key, f.Value, string(f.Category), f.BlockID, f.TurnID, f.EvidenceSnippet,
		f.SourceChunkID, f.SourceParagraphID, f.Confidence, f.SupersededBy, fmtTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert fact %s: %w", f.ID, err)
	}
	return nil
}

func scanFact(sc interface{ Scan(...interface{}) error }) (*types.Fact, error) {
	var f types.Fact
	var category, createdAt string
	err := sc.Scan(&f.ID, &f.Key, &f.Value, &category, &f.BlockID, &f.TurnID, &f.EvidenceSnippet,
		&f.SourceChunkID, &f.SourceParagraphID, &f.Confidence, &f.SupersededBy, &createdAt)
	if err != nil {
		return nil, err
	}
	f.Category = types.FactCategory(category)
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (fs *factStore) Get(ctx context.Context, id string) (*types.Fact, error) {
	row := fs.s.queryRow(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact %s: %w", id, err)
	}
	return f, nil
}

func (fs *factStore) queryFacts(ctx context.Context, q string, args ...interface{}) ([]*types.Fact, error) {
	rows, err := fs.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (fs *factStore) GetActiveByKey(ctx context.Context, key string) (*types.Fact, error) {
	row := fs.s.queryRow(ctx,
		`SELECT `+factColumns+` FROM facts WHERE key = ? AND superseded_by = ''
		 ORDER BY created_at DESC, id DESC LIMIT 1`, key)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active fact for key %s: %w", key, err)
	}
	return f, nil
}

func (fs *factStore) GetAllByKey(ctx context.Context, key string) ([]*types.Fact, error) {
	return fs.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE key = ? ORDER BY created_at DESC, id DESC`, key)
}

func (fs *factStore) GetByBlock(ctx context.Context, blockID string) ([]*types.Fact, error) {
	return fs.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE block_id = ? ORDER BY created_at DESC, id DESC`, blockID)
}

func (fs *factStore) GetActiveByCategory(ctx context.Context, category types.FactCategory) ([]*types.Fact, error) {
	return fs.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE category = ? AND superseded_by = ''
		 ORDER BY created_at DESC, id DESC`, string(category))
}

func (fs *factStore) SearchActiveByKeyPrefix(ctx context.Context, prefix string) ([]*types.Fact, error) {
	// Escape LIKE metacharacters in the caller-supplied prefix.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(prefix))
	return fs.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE LOWER(key) LIKE ? ESCAPE '\' AND superseded_by = ''
		 ORDER BY created_at DESC, id DESC`, escaped+"%")
}

func (fs *factStore) GetActive(ctx context.Context) ([]*types.Fact, error) {
	return fs.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE superseded_by = '' ORDER BY created_at DESC, id DESC`)
}

func (fs *factStore) MarkSuperseded(ctx context.Context, id, successorID string) error {
	res, err := fs.s.exec(ctx, `UPDATE facts SET superseded_by = ? WHERE id = ?`, successorID, id)
	if err != nil {
		return fmt.Errorf("failed to mark fact %s superseded: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (fs *factStore) PatchBlockID(ctx context.Context, turnID, blockID string) error {
	_, err := fs.s.exec(ctx, `UPDATE facts SET block_id = ? WHERE turn_id = ?`, blockID, turnID)
	if err != nil {
		return fmt.Errorf("failed to patch fact block id for turn %s: %w", turnID, err)
	}
	return nil
}

// memories

type memoryStore struct{ s *SQLStore }

const memoryColumns = `id, turn_id, block_id, content, chunk_index, created_at`

func (ms *memoryStore) Insert(ctx context.Context, m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := ms.s.exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.TurnID, m.BlockID, m.Content, m.ChunkIndex, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert memory %s: %w", m.ID, err)
	}
	return nil
}

func scanMemory(sc interface{ Scan(...interface{}) error }) (*types.Memory, error) {
	var m types.Memory
	var createdAt string
	err := sc.Scan(&m.ID, &m.TurnID, &m.BlockID, &m.Content, &m.ChunkIndex, &createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (ms *memoryStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := ms.s.queryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory %s: %w", id, err)
	}
	return m, nil
}

func (ms *memoryStore) queryMemories(ctx context.Context, q string, args ...interface{}) ([]*types.Memory, error) {
	rows, err := ms.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (ms *memoryStore) GetByTurn(ctx context.Context, turnID string) ([]*types.Memory, error) {
	return ms.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE turn_id = ? ORDER BY chunk_index ASC`, turnID)
}

func (ms *memoryStore) GetByBlock(ctx context.Context, blockID string) ([]*types.Memory, error) {
	return ms.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE block_id = ? ORDER BY created_at ASC`, blockID)
}

func (ms *memoryStore) GetAll(ctx context.Context) ([]*types.Memory, error) {
	return ms.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories ORDER BY created_at ASC`)
}

// chunks

type chunkStore struct{ s *SQLStore }

const chunkColumns = `id, type, text_verbatim, lexical_filters, parent_chunk_id, turn_id, block_id, token_count, created_at`

func (cs *chunkStore) Insert(ctx context.Context, c *types.Chunk) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := cs.s.exec(ctx,
		`INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), c.TextVerbatim, marshalStrings(c.LexicalFilters),
		c.ParentChunkID, c.TurnID, c.BlockID, c.TokenCount, fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
	}
	return nil
}

func scanChunk(sc interface{ Scan(...interface{}) error }) (*types.Chunk, error) {
	var c types.Chunk
	var chunkType, filters, createdAt string
	err := sc.Scan(&c.ID, &chunkType, &c.TextVerbatim, &filters, &c.ParentChunkID,
		&c.TurnID, &c.BlockID, &c.TokenCount, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Type = types.ChunkType(chunkType)
	c.LexicalFilters = unmarshalStrings(filters)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (cs *chunkStore) Get(ctx context.Context, id string) (*types.Chunk, error) {
	row := cs.s.queryRow(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", id, err)
	}
	return c, nil
}

func (cs *chunkStore) queryChunks(ctx context.Context, q string, args ...interface{}) ([]*types.Chunk, error) {
	rows, err := cs.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (cs *chunkStore) GetByTurn(ctx context.Context, turnID string) ([]*types.Chunk, error) {
	return cs.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE turn_id = ? ORDER BY created_at ASC, id ASC`, turnID)
}

func (cs *chunkStore) GetByBlock(ctx context.Context, blockID string) ([]*types.Chunk, error) {
	return cs.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE block_id = ? ORDER BY created_at ASC, id ASC`, blockID)
}

func (cs *chunkStore) GetAll(ctx context.Context) ([]*types.Chunk, error) {
	return cs.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY created_at ASC, id ASC`)
}

func (cs *chunkStore) PatchBlockID(ctx context.Context, turnID, blockID string) error {
	_, err := cs.s.exec(ctx, `UPDATE chunks SET block_id = ? WHERE turn_id = ?`, blockID, turnID)
	if err != nil {
		return fmt.Errorf("failed to patch chunk block id for turn %s: %w", turnID, err)
	}
	return nil
}

// usage stats

type usageStore struct{ s *SQLStore }

func (us *usageStore) Bump(ctx context.Context, itemID, itemType string, topics []string) error {
	now := fmtTime(time.Now().UTC())

	existing, err := us.Get(ctx, itemID)
	if errors.Is(err, types.ErrNotFound) {
		_, err = us.s.exec(ctx,
			`INSERT INTO usage_stats (item_id, item_type, usage_count, first_used, last_used, topics)
			 VALUES (?, ?, 1, ?, ?, ?)`,
			itemID, itemType, now, now, marshalStrings(topics))
		if err != nil {
			return fmt.Errorf("failed to insert usage stat for %s: %w", itemID, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	merged := existing.Topics
	seen := make(map[string]bool, len(merged))
	for _, t := range merged {
		seen[t] = true
	}
	for _, t := range topics {
		if t != "" && !seen[t] {
			merged = append(merged, t)
			seen[t] = true
		}
	}

	_, err = us.s.exec(ctx,
		`UPDATE usage_stats SET usage_count = usage_count + 1, last_used = ?, topics = ? WHERE item_id = ?`,
		now, marshalStrings(merged), itemID)
	if err != nil {
		return fmt.Errorf("failed to bump usage stat for %s: %w", itemID, err)
	}
	return nil
}

func scanUsage(sc interface{ Scan(...interface{}) error }) (*types.UsageStat, error) {
	var u types.UsageStat
	var firstUsed, lastUsed, topics string
	err := sc.Scan(&u.ItemID, &u.ItemType, &u.UsageCount, &firstUsed, &lastUsed, &topics)
	if err != nil {
		return nil, err
	}
	u.FirstUsed = parseTime(firstUsed)
	u.LastUsed = parseTime(lastUsed)
	u.Topics = unmarshalStrings(topics)
	return &u, nil
}

func (us *usageStore) Get(ctx context.Context, itemID string) (*types.UsageStat, error) {
	row := us.s.queryRow(ctx,
		`SELECT item_id, item_type, usage_count, first_used, last_used, topics
		 FROM usage_stats WHERE item_id = ?`, itemID)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage stat for %s: %w", itemID, err)
	}
	return u, nil
}

func (us *usageStore) TopUsed(ctx context.Context, limit int) ([]*types.UsageStat, error) {
	rows, err := us.s.query(ctx,
		`SELECT item_id, item_type, usage_count, first_used, last_used, topics
		 FROM usage_stats ORDER BY usage_count DESC, last_used DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.UsageStat
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage stat: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// lineage

type lineageStore struct{ s *SQLStore }

func (ls *lineageStore) Upsert(ctx context.Context, e *types.LineageEdge) error {
	if e.ItemID == "" {
		return errors.New("lineage item id cannot be empty")
	}
	_, err := ls.s.exec(ctx,
		`INSERT INTO lineage (item_id, item_type, derived_from, derived_by, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
			item_type = excluded.item_type,
			derived_from = excluded.derived_from,
			derived_by = excluded.derived_by`,
		e.ItemID, string(e.ItemType), marshalStrings(e.DerivedFrom), e.DerivedBy, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert lineage for %s: %w", e.ItemID, err)
	}
	return nil
}

func scanLineage(sc interface{ Scan(...interface{}) error }) (*types.LineageEdge, error) {
	var e types.LineageEdge
	var itemType, derivedFrom, createdAt string
	err := sc.Scan(&e.ItemID, &itemType, &derivedFrom, &e.DerivedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	e.ItemType = types.LineageItemType(itemType)
	e.DerivedFrom = unmarshalStrings(derivedFrom)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (ls *lineageStore) Get(ctx context.Context, itemID string) (*types.LineageEdge, error) {
	row := ls.s.queryRow(ctx,
		`SELECT item_id, item_type, derived_from, derived_by, created_at FROM lineage WHERE item_id = ?`, itemID)
	e, err := scanLineage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lineage for %s: %w", itemID, err)
	}
	return e, nil
}

func (ls *lineageStore) queryEdges(ctx context.Context, q string, args ...interface{}) ([]*types.LineageEdge, error) {
	rows, err := ls.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.LineageEdge
	for rows.Next() {
		e, err := scanLineage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lineage edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (ls *lineageStore) GetByType(ctx context.Context, itemType types.LineageItemType) ([]*types.LineageEdge, error) {
	return ls.queryEdges(ctx,
		`SELECT item_id, item_type, derived_from, derived_by, created_at FROM lineage WHERE item_type = ?`,
		string(itemType))
}

func (ls *lineageStore) All(ctx context.Context) ([]*types.LineageEdge, error) {
	return ls.queryEdges(ctx,
		`SELECT item_id, item_type, derived_from, derived_by, created_at FROM lineage`)
}

// topic affinity

type affinityStore struct{ s *SQLStore }

func (as *affinityStore) Get(ctx context.Context, topic string) (*types.TopicAffinity, error) {
	var a types.TopicAffinity
	err := as.s.queryRow(ctx,
		`SELECT topic, eviction_count, total_time_in_window_ms, avg_time_in_window_ms
		 FROM topic_affinity WHERE topic = ?`, topic).
		Scan(&a.Topic, &a.EvictionCount, &a.TotalTimeInWindow, &a.AvgTimeInWindow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic affinity for %s: %w", topic, err)
	}
	return &a, nil
}

func (as *affinityStore) Upsert(ctx context.Context, a *types.TopicAffinity) error {
	if a.Topic == "" {
		return errors.New("affinity topic cannot be empty")
	}
	_, err := as.s.exec(ctx,
		`INSERT INTO topic_affinity (topic, eviction_count, total_time_in_window_ms, avg_time_in_window_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(topic) DO UPDATE SET
			eviction_count = excluded.eviction_count,
			total_time_in_window_ms = excluded.total_time_in_window_ms,
			avg_time_in_window_ms = excluded.avg_time_in_window_ms`,
		a.Topic, a.EvictionCount, a.TotalTimeInWindow, a.AvgTimeInWindow)
	if err != nil {
		return fmt.Errorf("failed to upsert topic affinity for %s: %w", a.Topic, err)
	}
	return nil
}

func (as *affinityStore) TopByEvictions(ctx context.Context, limit int) ([]*types.TopicAffinity, error) {
	rows, err := as.s.query(ctx,
		`SELECT topic, eviction_count, total_time_in_window_ms, avg_time_in_window_ms
		 FROM topic_affinity ORDER BY eviction_count DESC, topic ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query topic affinity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TopicAffinity
	for rows.Next() {
		var a types.TopicAffinity
		if err := rows.Scan(&a.Topic, &a.EvictionCount, &a.TotalTimeInWindow, &a.AvgTimeInWindow); err != nil {
			return nil, fmt.Errorf("failed to scan topic affinity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// debug logs

type debugLogStore struct{ s *SQLStore }

func (dls *debugLogStore) Insert(ctx context.Context, l *types.DebugLog) error {
	_, err := dls.s.exec(ctx,
		`INSERT INTO debug_logs (id, turn_id, step, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.TurnID, l.Step, l.Message, fmtTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert debug log: %w", err)
	}
	return nil
}

// synthesis jobs

type jobStore struct{ s *SQLStore }

func (js *jobStore) Insert(ctx context.Context, j *SynthesisJob) error {
	_, err := js.s.exec(ctx,
		`INSERT INTO synthesis_jobs (id, kind, user_id, day_id, payload, created_at, done_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		j.ID, j.Kind, j.UserID, j.DayID, j.Payload, fmtTime(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert synthesis job %s: %w", j.ID, err)
	}
	return nil
}

func (js *jobStore) MarkDone(ctx context.Context, id string) error {
	res, err := js.s.exec(ctx,
		`UPDATE synthesis_jobs SET done_at = ? WHERE id = ?`, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark synthesis job %s done: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (js *jobStore) Pending(ctx context.Context, limit int) ([]*SynthesisJob, error) {
	rows, err := js.s.query(ctx,
		`SELECT id, kind, user_id, day_id, payload, created_at, done_at
		 FROM synthesis_jobs WHERE done_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending synthesis jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SynthesisJob
	for rows.Next() {
		var j SynthesisJob
		var createdAt string
		var doneAt sql.NullString
		if err := rows.Scan(&j.ID, &j.Kind, &j.UserID, &j.DayID, &j.Payload, &createdAt, &doneAt); err != nil {
			return nil, fmt.Errorf("failed to scan synthesis job: %w", err)
		}
		j.CreatedAt = parseTime(createdAt)
		if doneAt.Valid {
			t := parseTime(doneAt.String)
			j.DoneAt = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
