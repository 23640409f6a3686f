// Package stream chunks query results for incremental delivery and merges
// chunk streams from multiple environments into aligned frames.
package stream

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/manifolddb/manifold/internal/query"
	"github.com/manifolddb/manifold/internal/srverr"
)

// Config bounds chunking and recovery behavior.
type Config struct {
	ChunkSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the chunking defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      100,
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Chunk is one slice of a result stream. Chunk ids start at zero and every
// stream ends with exactly one chunk whose IsFinal is set; an empty result
// is a single final chunk with no rows. Error is set instead of rows when
// the stream dies mid-flight.
type Chunk struct {
	QueryID     string             `json:"query_id"`
	Environment string             `json:"environment"`
	ChunkID     int                `json:"chunk_id"`
	Columns     []query.ColumnInfo `json:"columns"`
	Rows        []query.Row        `json:"rows"`
	RowCount    int                `json:"row_count"`
	TotalRows   int                `json:"total_rows"`
	IsFinal     bool               `json:"is_final"`
	Error       string             `json:"error,omitempty"`
}

// Query executes a read-only statement and emits its rows as chunks on the
// returned channel. The channel closes after the final chunk. Failures
// before the first row return an error instead of a channel; failures
// mid-stream terminate the stream with a final chunk carrying Error.
func Query(ctx context.Context, db *sqlx.DB, env, sql string, params []any, queryID string, cfg Config) (<-chan *Chunk, error) {
	cfg = cfg.withDefaults()
	if err := query.Validate(sql); err != nil {
		return nil, err
	}

	bound := sql
	if len(params) > 0 {
		bound = db.Rebind(sql)
	}
	rows, err := db.QueryxContext(ctx, bound, params...)
	if err != nil {
		if srverr.IsConnectionError(err) {
			return nil, srverr.Connection(env, err, true)
		}
		return nil, srverr.Query(env, sql, err)
	}

	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, srverr.Query(env, sql, err)
	}
	columns := make([]query.ColumnInfo, len(names))
	for i, name := range names {
		columns[i] = query.ColumnInfo{Name: name, Type: "unknown"}
	}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			if i < len(columns) {
				columns[i].Type = ct.DatabaseTypeName()
			}
		}
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer rows.Close()

		chunkID := 0
		total := 0
		pending := make([]query.Row, 0, cfg.ChunkSize)

		send := func(c *Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		flush := func(final bool, errText string) bool {
			total += len(pending)
			c := &Chunk{
				QueryID:     queryID,
				Environment: env,
				ChunkID:     chunkID,
				Columns:     columns,
				Rows:        pending,
				RowCount:    len(pending),
				TotalRows:   total,
				IsFinal:     final,
				Error:       errText,
			}
			chunkID++
			pending = make([]query.Row, 0, cfg.ChunkSize)
			return send(c)
		}

		for rows.Next() {
			// A full buffer is flushed non-final only once another row
			// proves the stream continues, so the last chunk is the one
			// marked final.
			if len(pending) == cfg.ChunkSize {
				if !flush(false, "") {
					return
				}
			}
			raw, err := rows.SliceScan()
			if err != nil {
				flush(true, srverr.SanitizeErrorText(err.Error()))
				return
			}
			row := make(query.Row, len(raw))
			for i, v := range raw {
				row[i] = query.NormalizeValue(v)
			}
			pending = append(pending, row)
		}
		if err := rows.Err(); err != nil {
			flush(true, srverr.SanitizeErrorText(err.Error()))
			return
		}
		flush(true, "")
	}()
	return out, nil
}

// WithTimeout bounds a chunk stream with a deadline. The cancel function
// must be called once the stream is drained.
func WithTimeout(ctx context.Context, db *sqlx.DB, env, sql string, params []any, queryID string, timeout time.Duration, cfg Config) (<-chan *Chunk, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	out, err := Query(ctx, db, env, sql, params, queryID, cfg)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return out, cancel, nil
}

// Collect drains a chunk stream into a slice.
func Collect(ch <-chan *Chunk) []*Chunk {
	var out []*Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// QueryWithRecovery runs a chunked query and retries the whole stream on
// failure with exponentially growing delays. Chunks from failed attempts
// are discarded; only a fully successful attempt is returned.
func QueryWithRecovery(ctx context.Context, db *sqlx.DB, env, sql string, params []any, queryID string, cfg Config) ([]*Chunk, error) {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBaseDelay * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, srverr.Timeout(env, "streaming query", delay)
			}
		}
		ch, err := Query(ctx, db, env, sql, params, queryID, cfg)
		if err != nil {
			if e := srverr.From(err); !e.IsRecoverable() && e.Kind == srverr.KindValidation {
				return nil, err
			}
			lastErr = err
			continue
		}
		chunks := Collect(ch)
		if n := len(chunks); n > 0 && chunks[n-1].Error != "" {
			lastErr = srverr.Environment(env, chunks[n-1].Error, srverr.CategoryConnectivity)
			continue
		}
		return chunks, nil
	}
	return nil, srverr.From(lastErr)
}
