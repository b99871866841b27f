package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/pkg/models"
)

// SQLConfig tunes the database connection pool.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns pool settings suitable for a single engine node.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// OpenSQLStores opens SQL-backed stores. Supported drivers are
// "postgres" (lib/pq) and "sqlite" (modernc.org/sqlite).
func OpenSQLStores(driver, dsn string, config *SQLConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if driver != "postgres" && driver != "sqlite" {
		return StoreSet{}, fmt.Errorf("unsupported driver %q", driver)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}
	if err := initSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}

	return NewSQLStoreSet(db, driver), nil
}

// NewSQLStoreSet wraps an already-open database. The caller keeps
// ownership of db unless this StoreSet's Close is used.
func NewSQLStoreSet(db *sql.DB, driver string) StoreSet {
	rb := rebinder(driver)
	return StoreSet{
		Calls:     &sqlToolCallStore{db: db, rebind: rb},
		Pipelines: &sqlPipelineStore{db: db, rebind: rb},
		closer:    db.Close,
	}
}

// SetTracer enables query spans on SQL-backed stores. The in-memory
// stores ignore it; a map lookup is not worth a client span.
func (s StoreSet) SetTracer(t *observability.Tracer) {
	if ts, ok := s.Calls.(*sqlToolCallStore); ok {
		ts.tracer = t
	}
	if ts, ok := s.Pipelines.(*sqlPipelineStore); ok {
		ts.tracer = t
	}
}

// querySpan opens a db client span when a tracer is configured.
func querySpan(ctx context.Context, tracer *observability.Tracer, op, table string) (context.Context, func()) {
	if tracer == nil {
		return ctx, func() {}
	}
	ctx, span := tracer.TraceDatabaseQuery(ctx, op, table)
	return ctx, func() { span.End() }
}

// rebinder returns a function translating $N placeholders to the
// driver's native form. Queries are written in the $N dialect.
func rebinder(driver string) func(string) string {
	if driver == "postgres" {
		return func(q string) string { return q }
	}
	return func(q string) string {
		var b strings.Builder
		for i := 0; i < len(q); i++ {
			if q[i] != '$' {
				b.WriteByte(q[i])
				continue
			}
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j == i+1 {
				b.WriteByte(q[i])
				continue
			}
			b.WriteByte('?')
			i = j - 1
		}
		return b.String()
	}
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id                  TEXT PRIMARY KEY,
	chat_id             TEXT NOT NULL,
	message_id          TEXT NOT NULL,
	tool_name           TEXT NOT NULL,
	tool_call_id        TEXT NOT NULL,
	args                JSONB,
	status              TEXT NOT NULL,
	result              JSONB,
	error               TEXT NOT NULL DEFAULT '',
	retry_count         INT NOT NULL DEFAULT 0,
	parent_tool_call_id TEXT NOT NULL DEFAULT '',
	pipeline_id         TEXT NOT NULL DEFAULT '',
	step_number         INT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_chat ON tool_calls (chat_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_pipeline ON tool_calls (pipeline_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_status_created ON tool_calls (status, created_at);

CREATE TABLE IF NOT EXISTS tool_pipelines (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	current_step INT NOT NULL DEFAULT 0,
	total_steps  INT NOT NULL,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_pipelines_chat ON tool_pipelines (chat_id);
CREATE INDEX IF NOT EXISTS idx_tool_pipelines_status_created ON tool_pipelines (status, created_at);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id                  TEXT PRIMARY KEY,
	chat_id             TEXT NOT NULL,
	message_id          TEXT NOT NULL,
	tool_name           TEXT NOT NULL,
	tool_call_id        TEXT NOT NULL,
	args                TEXT,
	status              TEXT NOT NULL,
	result              TEXT,
	error               TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	parent_tool_call_id TEXT NOT NULL DEFAULT '',
	pipeline_id         TEXT NOT NULL DEFAULT '',
	step_number         INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_chat ON tool_calls (chat_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_pipeline ON tool_calls (pipeline_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_status_created ON tool_calls (status, created_at);

CREATE TABLE IF NOT EXISTS tool_pipelines (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	total_steps  INTEGER NOT NULL,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_pipelines_chat ON tool_pipelines (chat_id);
CREATE INDEX IF NOT EXISTS idx_tool_pipelines_status_created ON tool_pipelines (status, created_at);
`

func initSchema(ctx context.Context, db *sql.DB, driver string) error {
	schema := schemaPostgres
	if driver == "sqlite" {
		schema = schemaSQLite
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

type sqlToolCallStore struct {
	db     *sql.DB
	rebind func(string) string
	tracer *observability.Tracer
}

const toolCallColumns = `id, chat_id, message_id, tool_name, tool_call_id, args, status, result, error,
	retry_count, parent_tool_call_id, pipeline_id, step_number, created_at, updated_at`

func (s *sqlToolCallStore) Create(ctx context.Context, call *models.ToolCall) error {
	ctx, done := querySpan(ctx, s.tracer, "insert", "tool_calls")
	defer done()

	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	if call.UpdatedAt.IsZero() {
		call.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tool_calls (`+toolCallColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`),
		call.ID,
		call.ChatID,
		call.MessageID,
		call.ToolName,
		call.ToolCallID,
		nullableJSON(call.Args),
		string(call.Status),
		nullableJSON(call.Result),
		call.Error,
		call.RetryCount,
		call.ParentToolCallID,
		call.PipelineID,
		call.StepNumber,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create tool call: %w", err)
	}
	return nil
}

func (s *sqlToolCallStore) Get(ctx context.Context, id string) (*models.ToolCall, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	ctx, done := querySpan(ctx, s.tracer, "select", "tool_calls")
	defer done()

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = $1`), id)
	call, err := scanToolCall(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool call: %w", err)
	}
	return call, nil
}

func (s *sqlToolCallStore) Update(ctx context.Context, call *models.ToolCall) error {
	ctx, done := querySpan(ctx, s.tracer, "update", "tool_calls")
	defer done()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE tool_calls
		 SET status = $1, result = $2, error = $3, retry_count = $4, updated_at = $5
		 WHERE id = $6`),
		string(call.Status),
		nullableJSON(call.Result),
		call.Error,
		call.RetryCount,
		call.UpdatedAt,
		call.ID,
	)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return requireRow(res)
}

func (s *sqlToolCallStore) Delete(ctx context.Context, id string) error {
	ctx, done := querySpan(ctx, s.tracer, "delete", "tool_calls")
	defer done()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tool_calls WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete tool call: %w", err)
	}
	return requireRow(res)
}

func (s *sqlToolCallStore) ListByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	return s.list(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
}

func (s *sqlToolCallStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error) {
	return s.list(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE pipeline_id = $1 ORDER BY step_number ASC`, pipelineID)
}

func (s *sqlToolCallStore) list(ctx context.Context, query, arg string) ([]*models.ToolCall, error) {
	ctx, done := querySpan(ctx, s.tracer, "select", "tool_calls")
	defer done()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	calls := []*models.ToolCall{}
	for rows.Next() {
		call, err := scanToolCall(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	return calls, nil
}

func (s *sqlToolCallStore) DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error) {
	ctx, done := querySpan(ctx, s.tracer, "delete", "tool_calls")
	defer done()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`DELETE FROM tool_calls
		 WHERE status IN ($1, $2) AND created_at < $3
		 RETURNING id, chat_id`),
		string(models.StatusPending), string(models.StatusProcessing), olderThan)
	if err != nil {
		return nil, fmt.Errorf("delete stale tool calls: %w", err)
	}
	defer rows.Close()
	return collectRemoved(rows)
}

func scanToolCall(scan func(...any) error) (*models.ToolCall, error) {
	var call models.ToolCall
	var args, result []byte
	var status string
	if err := scan(
		&call.ID,
		&call.ChatID,
		&call.MessageID,
		&call.ToolName,
		&call.ToolCallID,
		&args,
		&status,
		&result,
		&call.Error,
		&call.RetryCount,
		&call.ParentToolCallID,
		&call.PipelineID,
		&call.StepNumber,
		&call.CreatedAt,
		&call.UpdatedAt,
	); err != nil {
		return nil, err
	}
	call.Status = models.CallStatus(status)
	if len(args) > 0 {
		call.Args = json.RawMessage(args)
	}
	if len(result) > 0 {
		call.Result = json.RawMessage(result)
	}
	return &call, nil
}

type sqlPipelineStore struct {
	db     *sql.DB
	rebind func(string) string
	tracer *observability.Tracer
}

const pipelineColumns = `id, chat_id, name, status, current_step, total_steps, metadata, created_at, updated_at`

func (s *sqlPipelineStore) Create(ctx context.Context, p *models.ToolPipeline) error {
	ctx, done := querySpan(ctx, s.tracer, "insert", "tool_pipelines")
	defer done()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal pipeline metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tool_pipelines (`+pipelineColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`),
		p.ID,
		p.ChatID,
		p.Name,
		string(p.Status),
		p.CurrentStep,
		p.TotalSteps,
		meta,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

func (s *sqlPipelineStore) Get(ctx context.Context, id string) (*models.ToolPipeline, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	ctx, done := querySpan(ctx, s.tracer, "select", "tool_pipelines")
	defer done()

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+pipelineColumns+` FROM tool_pipelines WHERE id = $1`), id)
	p, err := scanPipeline(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

func (s *sqlPipelineStore) Update(ctx context.Context, p *models.ToolPipeline) error {
	ctx, done := querySpan(ctx, s.tracer, "update", "tool_pipelines")
	defer done()

	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal pipeline metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE tool_pipelines
		 SET status = $1, current_step = $2, metadata = $3, updated_at = $4
		 WHERE id = $5`),
		string(p.Status),
		p.CurrentStep,
		meta,
		p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	return requireRow(res)
}

func (s *sqlPipelineStore) Delete(ctx context.Context, id string) error {
	ctx, done := querySpan(ctx, s.tracer, "delete", "tool_pipelines")
	defer done()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tool_pipelines WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return requireRow(res)
}

func (s *sqlPipelineStore) ListByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error) {
	ctx, done := querySpan(ctx, s.tracer, "select", "tool_pipelines")
	defer done()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+pipelineColumns+` FROM tool_pipelines WHERE chat_id = $1 ORDER BY created_at ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	pipelines := []*models.ToolPipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return pipelines, nil
}

func (s *sqlPipelineStore) DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error) {
	ctx, done := querySpan(ctx, s.tracer, "delete", "tool_pipelines")
	defer done()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`DELETE FROM tool_pipelines
		 WHERE status IN ($1, $2) AND created_at < $3
		 RETURNING id, chat_id`),
		string(models.StatusPending), string(models.StatusProcessing), olderThan)
	if err != nil {
		return nil, fmt.Errorf("delete stale pipelines: %w", err)
	}
	defer rows.Close()
	return collectRemoved(rows)
}

func scanPipeline(scan func(...any) error) (*models.ToolPipeline, error) {
	var p models.ToolPipeline
	var status string
	var meta []byte
	if err := scan(
		&p.ID,
		&p.ChatID,
		&p.Name,
		&status,
		&p.CurrentStep,
		&p.TotalSteps,
		&meta,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = models.CallStatus(status)
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline metadata: %w", err)
		}
	}
	return &p, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isDuplicate(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "duplicate") ||
		strings.Contains(err.Error(), "UNIQUE constraint"))
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRemoved(rows *sql.Rows) ([]Removed, error) {
	var out []Removed
	for rows.Next() {
		var r Removed
		if err := rows.Scan(&r.ID, &r.ChatID); err != nil {
			return nil, fmt.Errorf("scan removed row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect removed rows: %w", err)
	}
	return out, nil
}
