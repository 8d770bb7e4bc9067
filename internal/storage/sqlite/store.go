// Package sqlite persists interactions and stream chunks. Writes flow
// through a single writer goroutine draining a bounded command queue; reads
// run concurrently on a separate connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// timeLayout keeps sub-millisecond resolution and sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	// writer is a dedicated single connection; all mutations go through it
	writer *sqlx.DB

	// reader is the concurrent read pool
	reader *sqlx.DB

	queue  chan writeCmd
	closed chan struct{}
	logger *slog.Logger

	// StoreChunks disables chunk persistence when false; AppendChunk
	// becomes a no-op.
	StoreChunks bool
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger used for write-path failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithChunkStorage toggles persistence of individual stream chunks.
func WithChunkStorage(enabled bool) Option {
	return func(s *Store) { s.StoreChunks = enabled }
}

// queueDepth bounds the write command queue. Enqueueing blocks when the
// writer falls this far behind.
const queueDepth = 1024

// New opens (creating if needed) the database at dbPath, applies migrations,
// and starts the writer goroutine.
func New(dbPath string, opts ...Option) (*Store, error) {
	writer, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := migrate(writer); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}

	s := &Store{
		writer:      writer,
		reader:      reader,
		queue:       make(chan writeCmd, queueDepth),
		closed:      make(chan struct{}),
		logger:      slog.Default(),
		StoreChunks: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.runWriter()
	return s, nil
}

// Close drains the write queue and closes both connections. In-flight
// enqueues before Close are committed.
func (s *Store) Close() error {
	close(s.queue)
	<-s.closed
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// InsertInteraction inserts the parent row at request receipt, before any
// chunk can arrive. status_code stays NULL until finalization. Returns once
// the row is durably committed.
func (s *Store) InsertInteraction(ctx context.Context, in *domain.Interaction) error {
	return s.submit(ctx, writeCmd{kind: cmdInsert, interaction: in, done: make(chan error, 1)})
}

// FinalizeInteraction updates the parent row with response, metrics, and
// error fields. Because the queue is FIFO and writes for one interaction are
// serialized, the update commits after every chunk appended before it.
func (s *Store) FinalizeInteraction(ctx context.Context, in *domain.Interaction) error {
	return s.submit(ctx, writeCmd{kind: cmdFinalize, interaction: in, done: make(chan error, 1)})
}

// AppendChunk enqueues one stream chunk without waiting for the commit, so
// the tee's forwarding path never blocks on store I/O. A no-op when chunk
// storage is disabled.
func (s *Store) AppendChunk(ctx context.Context, chunk *domain.StreamChunk) error {
	if !s.StoreChunks {
		return nil
	}
	return s.submit(ctx, writeCmd{kind: cmdChunk, chunk: chunk})
}

// DeleteAll removes every interaction and chunk. Returns the number of
// interactions deleted.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	cmd := writeCmd{kind: cmdDeleteAll, done: make(chan error, 1), count: new(int64)}
	if err := s.submit(ctx, cmd); err != nil {
		return 0, err
	}
	return *cmd.count, nil
}

// ListOptions filter and page interaction listings.
type ListOptions struct {
	Limit     int
	Offset    int
	Provider  string
	Model     string
	SessionID string
}

// ListInteractions returns interactions ordered newest first. Chunks are not
// loaded; use GetInteraction for the full record.
func (s *Store) ListInteractions(ctx context.Context, opts ListOptions) ([]*domain.Interaction, error) {
	query := `SELECT * FROM interactions`
	var conditions []string
	var args []interface{}

	if opts.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, opts.Model)
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.reader.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetInteraction returns one interaction with its chunks ordered by seq,
// or sql.ErrNoRows when absent.
func (s *Store) GetInteraction(ctx context.Context, id string) (*domain.Interaction, []domain.StreamChunk, error) {
	rows, err := s.reader.QueryxContext(ctx, `SELECT * FROM interactions WHERE id = ?`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query interaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, sql.ErrNoRows
	}
	in, err := scanInteraction(rows)
	if err != nil {
		return nil, nil, err
	}
	rows.Close()

	chunkRows, err := s.reader.QueryxContext(ctx,
		`SELECT id, interaction_id, seq, received_at, event_type, raw, decoded_json
		 FROM stream_chunks WHERE interaction_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer chunkRows.Close()

	var chunks []domain.StreamChunk
	for chunkRows.Next() {
		var (
			c          domain.StreamChunk
			receivedAt string
			eventType  sql.NullString
			decoded    []byte
		)
		if err := chunkRows.Scan(&c.ID, &c.InteractionID, &c.Seq, &receivedAt, &eventType, &c.Raw, &decoded); err != nil {
			return nil, nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
		c.EventType = eventType.String
		if len(decoded) > 0 {
			c.Decoded = json.RawMessage(decoded)
		}
		chunks = append(chunks, c)
	}
	return in, chunks, chunkRows.Err()
}

// ListSessions groups interactions by non-null session_id.
func (s *Store) ListSessions(ctx context.Context) ([]domain.SessionSummary, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT session_id,
		       COUNT(*) AS interaction_count,
		       GROUP_CONCAT(DISTINCT provider) AS providers,
		       GROUP_CONCAT(DISTINCT model) AS models,
		       MIN(started_at) AS first_seen,
		       MAX(started_at) AS last_seen
		FROM interactions
		WHERE session_id IS NOT NULL AND session_id != ''
		GROUP BY session_id
		ORDER BY first_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionSummary
	for rows.Next() {
		var (
			sum              domain.SessionSummary
			providers, models sql.NullString
			first, last      string
		)
		if err := rows.Scan(&sum.SessionID, &sum.Interactions, &providers, &models, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Providers = splitConcat(providers.String)
		sum.Models = splitConcat(models.String)
		sum.FirstSeen, _ = time.Parse(timeLayout, first)
		sum.LastSeen, _ = time.Parse(timeLayout, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stats aggregates counts, tokens, and error rate across all interactions.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{
		ByProvider: make(map[string]int),
		ByModel:    make(map[string]int),
	}

	var (
		total, errored sql.NullInt64
		tokens         sql.NullInt64
		avgLatency     sql.NullFloat64
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN error IS NOT NULL AND error != '' THEN 1 ELSE 0 END),
		       SUM(COALESCE(total_tokens, 0)),
		       AVG(total_latency_ms)
		FROM interactions`).Scan(&total, &errored, &tokens, &avgLatency)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	stats.TotalInteractions = int(total.Int64)
	stats.TotalTokens = tokens.Int64
	stats.AvgLatencyMs = avgLatency.Float64
	if total.Int64 > 0 {
		stats.ErrorRate = float64(errored.Int64) / float64(total.Int64)
	}

	rows, err := s.reader.QueryContext(ctx, `SELECT provider, COUNT(*) FROM interactions GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by provider: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats.ByProvider[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	modelRows, err := s.reader.QueryContext(ctx,
		`SELECT model, COUNT(*) AS c FROM interactions WHERE model IS NOT NULL AND model != '' GROUP BY model ORDER BY c DESC LIMIT 20`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by model: %w", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var name string
		var count int
		if err := modelRows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats.ByModel[name] = count
	}
	return stats, modelRows.Err()
}

func splitConcat(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
