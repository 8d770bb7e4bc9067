package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

type cmdKind int

const (
	cmdInsert cmdKind = iota
	cmdFinalize
	cmdChunk
	cmdDeleteAll
)

// writeCmd is one unit of work for the writer goroutine. done is nil for
// fire-and-forget commands (chunk appends).
type writeCmd struct {
	kind        cmdKind
	interaction *domain.Interaction
	chunk       *domain.StreamChunk
	count       *int64
	done        chan error
}

// submit enqueues a command and, when it carries a done channel, waits for
// the commit result.
func (s *Store) submit(ctx context.Context, cmd writeCmd) error {
	select {
	case s.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	if cmd.done == nil {
		return nil
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWriter drains the queue until Close. Chunk write failures are logged
// and swallowed: persistence problems must never affect an in-flight
// response.
func (s *Store) runWriter() {
	defer close(s.closed)
	for cmd := range s.queue {
		var err error
		switch cmd.kind {
		case cmdInsert:
			err = s.execInsert(cmd.interaction)
		case cmdFinalize:
			err = s.execFinalize(cmd.interaction)
		case cmdChunk:
			err = s.execChunk(cmd.chunk)
		case cmdDeleteAll:
			var n int64
			n, err = s.execDeleteAll()
			if cmd.count != nil {
				*cmd.count = n
			}
		}
		if err != nil {
			s.logger.Error("store write failed",
				slog.String("error", err.Error()),
				slog.Int("cmd", int(cmd.kind)))
		}
		if cmd.done != nil {
			cmd.done <- err
		}
	}
}

func (s *Store) execInsert(in *domain.Interaction) error {
	requestJSON, err := json.Marshal(in.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = s.writer.Exec(`
		INSERT INTO interactions (
			id, session_id, started_at, provider, method, path, client_addr,
			model, chunk_count, request_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		in.ID, nullable(in.SessionID), in.StartedAt.UTC().Format(timeLayout),
		string(in.Provider), in.Method, in.Path, nullable(in.ClientAddr),
		nullable(in.Request.Model), requestJSON)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (s *Store) execFinalize(in *domain.Interaction) error {
	var responseJSON []byte
	if in.Response != nil {
		var err error
		responseJSON, err = json.Marshal(in.Response)
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
	}

	var completedAt interface{}
	if in.CompletedAt != nil {
		completedAt = in.CompletedAt.UTC().Format(timeLayout)
	}

	var statusCode interface{}
	if in.Response != nil && in.Response.StatusCode != 0 {
		statusCode = in.Response.StatusCode
	}

	m := in.Metrics
	_, err := s.writer.Exec(`
		UPDATE interactions SET
			completed_at = ?,
			model = COALESCE(?, model),
			status_code = ?,
			prompt_tokens = ?,
			completion_tokens = ?,
			total_tokens = ?,
			tokens_estimated = ?,
			cost_estimate = ?,
			ttfb_ms = ?,
			ttft_ms = ?,
			total_latency_ms = ?,
			chunk_count = ?,
			error = ?,
			response_json = ?
		WHERE id = ?`,
		completedAt,
		nullable(in.Request.Model),
		statusCode,
		m.PromptTokens, m.CompletionTokens, m.TotalTokens,
		boolInt(m.TokensEstimated),
		m.CostEstimate,
		m.TTFBMs, m.TTFTMs, m.TotalLatencyMs,
		in.ChunkCount,
		nullable(in.Error),
		responseJSON,
		in.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize interaction: %w", err)
	}
	return nil
}

func (s *Store) execChunk(c *domain.StreamChunk) error {
	_, err := s.writer.Exec(`
		INSERT INTO stream_chunks (id, interaction_id, seq, received_at, event_type, raw, decoded_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InteractionID, c.Seq, c.ReceivedAt.UTC().Format(timeLayout),
		nullable(c.EventType), c.Raw, []byte(c.Decoded))
	if err != nil {
		return fmt.Errorf("failed to append chunk: %w", err)
	}
	return nil
}

func (s *Store) execDeleteAll() (int64, error) {
	if _, err := s.writer.Exec(`DELETE FROM stream_chunks`); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	res, err := s.writer.Exec(`DELETE FROM interactions`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete interactions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// interactionRow mirrors the interactions table for sqlx scanning.
type interactionRow struct {
	ID              string          `db:"id"`
	SessionID       sql.NullString  `db:"session_id"`
	StartedAt       string          `db:"started_at"`
	CompletedAt     sql.NullString  `db:"completed_at"`
	Provider        string          `db:"provider"`
	Method          string          `db:"method"`
	Path            string          `db:"path"`
	ClientAddr      sql.NullString  `db:"client_addr"`
	Model           sql.NullString  `db:"model"`
	StatusCode      sql.NullInt64   `db:"status_code"`
	PromptTokens    sql.NullInt64   `db:"prompt_tokens"`
	CompletionToks  sql.NullInt64   `db:"completion_tokens"`
	TotalTokens     sql.NullInt64   `db:"total_tokens"`
	TokensEstimated int             `db:"tokens_estimated"`
	CostEstimate    sql.NullFloat64 `db:"cost_estimate"`
	TTFBMs          sql.NullFloat64 `db:"ttfb_ms"`
	TTFTMs          sql.NullFloat64 `db:"ttft_ms"`
	TotalLatencyMs  sql.NullFloat64 `db:"total_latency_ms"`
	ChunkCount      int             `db:"chunk_count"`
	Error           sql.NullString  `db:"error"`
	RequestJSON     []byte          `db:"request_json"`
	ResponseJSON    []byte          `db:"response_json"`
}

func scanInteraction(rows *sqlx.Rows) (*domain.Interaction, error) {
	var row interactionRow
	if err := rows.StructScan(&row); err != nil {
		return nil, fmt.Errorf("failed to scan interaction: %w", err)
	}

	in := &domain.Interaction{
		ID:         row.ID,
		SessionID:  row.SessionID.String,
		Provider:   domain.Provider(row.Provider),
		Method:     row.Method,
		Path:       row.Path,
		ClientAddr: row.ClientAddr.String,
		ChunkCount: row.ChunkCount,
		Error:      row.Error.String,
		Request:    &domain.InteractionRequest{},
	}

	in.StartedAt, _ = time.Parse(timeLayout, row.StartedAt)
	if row.CompletedAt.Valid {
		t, err := time.Parse(timeLayout, row.CompletedAt.String)
		if err == nil {
			in.CompletedAt = &t
		}
	}

	if len(row.RequestJSON) > 0 {
		if err := json.Unmarshal(row.RequestJSON, in.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}
	}
	if row.Model.Valid && in.Request.Model == "" {
		in.Request.Model = row.Model.String
	}
	if len(row.ResponseJSON) > 0 {
		in.Response = &domain.InteractionResponse{}
		if err := json.Unmarshal(row.ResponseJSON, in.Response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if row.StatusCode.Valid && in.Response == nil {
		in.Response = &domain.InteractionResponse{StatusCode: int(row.StatusCode.Int64)}
	}

	in.Metrics = domain.InteractionMetrics{
		PromptTokens:     int(row.PromptTokens.Int64),
		CompletionTokens: int(row.CompletionToks.Int64),
		TotalTokens:      int(row.TotalTokens.Int64),
		TokensEstimated:  row.TokensEstimated != 0,
	}
	if row.CostEstimate.Valid {
		v := row.CostEstimate.Float64
		in.Metrics.CostEstimate = &v
	}
	if row.TTFBMs.Valid {
		v := row.TTFBMs.Float64
		in.Metrics.TTFBMs = &v
	}
	if row.TTFTMs.Valid {
		v := row.TTFTMs.Float64
		in.Metrics.TTFTMs = &v
	}
	if row.TotalLatencyMs.Valid {
		in.Metrics.TotalLatencyMs = row.TotalLatencyMs.Float64
	}

	return in, nil
}
