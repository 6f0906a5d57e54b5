package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/relay/migrations"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// InterceptorName is the name the ledger registers under in the response pipeline.
const InterceptorName = "usage-ledger"

// Entry is one recorded call.
type Entry struct {
	RequestID    string
	InstanceID   string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	UpstreamMs   float64
	OverheadMs   float64
	CacheHit     bool
	Retries      int
	CreatedAt    time.Time
}

// ModelTotals aggregates usage for one model.
type ModelTotals struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	CacheHits    int64   `json:"cache_hits"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Store persists per-call usage to SQLite. It implements proxy.ResponseInterceptor
// and should be registered with proxy.Optional() so a database error never fails a call.
type Store struct {
	db         *sql.DB
	instanceID string
	logger     zerolog.Logger
	now        func() time.Time
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, err
	}

	version, dirty, err := migrations.Version(db)
	if err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, fmt.Errorf("ledger schema is dirty at version %d", version)
	}
	logger.Info().Str("path", path).Uint("schema_version", version).Msg("Usage ledger opened")
	return db, nil
}

// NewStore creates a usage store on a migrated database.
func NewStore(db *sql.DB, instanceID string, logger zerolog.Logger) *Store {
	return &Store{
		db:         db,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "usageLedger").Logger(),
		now:        time.Now,
	}
}

// Name implements proxy.ResponseInterceptor.
func (s *Store) Name() string {
	return InterceptorName
}

// InterceptResponse implements proxy.ResponseInterceptor by recording the call.
// The response is returned unchanged.
func (s *Store) InterceptResponse(ctx context.Context, req proxy.Request, resp proxy.Response) (proxy.Response, error) {
	entry := Entry{
		RequestID:    resp.Metrics.RequestID,
		InstanceID:   s.instanceID,
		Model:        req.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         resp.Metrics.Cost,
		UpstreamMs:   resp.Metrics.UpstreamLatencyMs(),
		OverheadMs:   resp.Metrics.OverheadMs(),
		CacheHit:     resp.Metrics.CacheHit,
		Retries:      resp.Metrics.RetryCount,
		CreatedAt:    resp.Metrics.Timestamp,
	}
	if entry.RequestID == "" {
		entry.RequestID = proxy.RequestIDFromContext(ctx)
	}
	if err := s.Record(ctx, entry); err != nil {
		return resp, err
	}
	return resp, nil
}

// Record saves an entry. Re-recording the same request id is ignored.
func (s *Store) Record(ctx context.Context, e Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	instanceID := e.InstanceID
	if instanceID == "" {
		instanceID = s.instanceID
	}

	query := sq.Insert("usage").
		Columns("request_id", "instance_id", "model", "input_tokens", "output_tokens", "cost",
			"upstream_ms", "overhead_ms", "cache_hit", "retries", "created_at").
		Values(e.RequestID, instanceID, e.Model, e.InputTokens, e.OutputTokens, e.Cost,
			e.UpstreamMs, e.OverheadMs, e.CacheHit, e.Retries, createdAt.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	// SQLite requires "OR IGNORE" to come after "INSERT"
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR IGNORE INTO", 1)

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Totals aggregates usage per model for calls recorded at or after since.
// A zero since covers all recorded calls.
func (s *Store) Totals(ctx context.Context, since time.Time) ([]ModelTotals, error) {
	query := sq.Select(
		"model",
		"COUNT(*)",
		"COALESCE(SUM(cache_hit), 0)",
		"COALESCE(SUM(input_tokens), 0)",
		"COALESCE(SUM(output_tokens), 0)",
		"COALESCE(SUM(cost), 0)",
	).
		From("usage").
		GroupBy("model").
		OrderBy("model")
	if !since.IsZero() {
		query = query.Where(sq.GtOrEq{"created_at": since.Unix()})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err is checked below

	var totals []ModelTotals
	for rows.Next() {
		var t ModelTotals
		if err := rows.Scan(&t.Model, &t.Calls, &t.CacheHits, &t.InputTokens, &t.OutputTokens, &t.Cost); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// Recent returns the most recently recorded entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sq.Select("request_id", "instance_id", "model", "input_tokens", "output_tokens", "cost",
		"upstream_ms", "overhead_ms", "cache_hit", "retries", "created_at").
		From("usage").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)) //nolint:gosec // limit is positive

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err is checked below

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdAt int64
		)
		if err := rows.Scan(&e.RequestID, &e.InstanceID, &e.Model, &e.InputTokens, &e.OutputTokens, &e.Cost,
			&e.UpstreamMs, &e.OverheadMs, &e.CacheHit, &e.Retries, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries recorded before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	queryStr, args, err := sq.Delete("usage").
		Where(sq.Lt{"created_at": cutoff.Unix()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned usage ledger")
	}
	return removed, nil
}

// Ensure Store implements proxy.ResponseInterceptor
var _ proxy.ResponseInterceptor = (*Store)(nil)
