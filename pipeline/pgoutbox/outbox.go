// Package pgoutbox reads and writes pipeline changes through a PostgreSQL
// outbox table.
//
// Writers enqueue changes in the same transaction as the data they
// describe; a pipeline.PollingCoordinator then drains the table:
//
//	db, _ := sql.Open("postgres", dsn)
//	outbox := pgoutbox.New(db, pgoutbox.WithTable("sync_outbox"))
//	_ = outbox.Migrate(ctx)
//
//	tx, _ := db.BeginTx(ctx, nil)
//	// ... write domain rows with tx ...
//	_ = outbox.Enqueue(ctx, tx, change)
//	_ = tx.Commit()
//
//	coord := pipeline.NewPollingCoordinator(outbox, applier)
package pgoutbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/erfanmomeniii/entsync/pipeline"
)

const schema = `CREATE TABLE IF NOT EXISTS %s (
	id         BIGSERIAL PRIMARY KEY,
	change_id  TEXT NOT NULL UNIQUE,
	entity     TEXT NOT NULL,
	operation  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	attempts   INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	synced_at  TIMESTAMPTZ NULL
)`

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithTable sets the outbox table name. Default: "entsync_outbox".
// Panics if name is empty.
func WithTable(name string) Option {
	if name == "" {
		panic("pgoutbox: table name cannot be empty")
	}
	return func(o *Outbox) {
		o.table = name
	}
}

// WithBatchSize sets how many rows FetchChanges reads. Default: 100.
// Panics if n <= 0.
func WithBatchSize(n int) Option {
	if n <= 0 {
		panic("pgoutbox: batch size must be positive")
	}
	return func(o *Outbox) {
		o.batchSize = n
	}
}

// WithMaxAttempts sets how many failed attempts dead-letter a row. Dead
// rows stay in the table but are no longer fetched. Default: 5. Panics if
// n <= 0.
func WithMaxAttempts(n int) Option {
	if n <= 0 {
		panic("pgoutbox: max attempts must be positive")
	}
	return func(o *Outbox) {
		o.maxAttempts = n
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Outbox is a pipeline.LimitedSource over an outbox table.
type Outbox struct {
	db          *sql.DB
	table       string
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

var _ pipeline.LimitedSource = (*Outbox)(nil)

// New creates an outbox over db. Panics if db is nil.
func New(db *sql.DB, opts ...Option) *Outbox {
	if db == nil {
		panic("pgoutbox: db cannot be nil")
	}
	o := &Outbox{
		db:          db,
		table:       "entsync_outbox",
		batchSize:   100,
		maxAttempts: 5,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Table returns the quoted table name.
func (o *Outbox) Table() string {
	return pq.QuoteIdentifier(o.table)
}

// Migrate creates the outbox table if it does not exist.
func (o *Outbox) Migrate(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, fmt.Sprintf(schema, o.Table())); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	return nil
}

// Enqueue inserts changes through ex, which may be a transaction. A
// change whose ID is already in the table is ignored.
func (o *Outbox) Enqueue(ctx context.Context, ex Execer, changes ...pipeline.Change) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (change_id, entity, operation, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (change_id) DO NOTHING
	`, o.Table())

	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("change %s: %w", c.ID, err)
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", c.ID, err)
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := ex.ExecContext(ctx, query, c.ID, c.Entity, c.Operation.String(), payload, c.Attempts, created); err != nil {
			return fmt.Errorf("insert change %s: %w", c.ID, err)
		}
	}
	return nil
}

// FetchChanges implements pipeline.BatchSource.
func (o *Outbox) FetchChanges(ctx context.Context) ([]pipeline.Change, error) {
	return o.FetchLimit(ctx, o.batchSize)
}

// FetchLimit implements pipeline.LimitedSource. Rows are read in
// insertion order, skipping dead rows; the row ID becomes the change
// cursor.
func (o *Outbox) FetchLimit(ctx context.Context, limit int) ([]pipeline.Change, error) {
	query := fmt.Sprintf(`
		SELECT id, payload, attempts
		FROM %s
		WHERE synced_at IS NULL AND attempts < $2
		ORDER BY id ASC
		LIMIT $1
	`, o.Table())

	rows, err := o.db.QueryContext(ctx, query, limit, o.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var changes []pipeline.Change
	for rows.Next() {
		var (
			id       int64
			payload  []byte
			attempts int
		)
		if err := rows.Scan(&id, &payload, &attempts); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		c, err := decode(id, payload, attempts)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	o.logger.Debug("fetched changes from outbox", "count", len(changes))
	return changes, nil
}

func decode(id int64, payload []byte, attempts int) (pipeline.Change, error) {
	var c pipeline.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("decode outbox row %d: %w", id, err)
	}
	c.Cursor = strconv.FormatInt(id, 10)
	c.Attempts = attempts
	return c, nil
}

func rowIDs(changes []pipeline.Change) ([]int64, error) {
	ids := make([]int64, 0, len(changes))
	for _, c := range changes {
		id, err := strconv.ParseInt(c.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("change %s has no outbox cursor", c.ID)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkAsSynced implements pipeline.BatchSource.
func (o *Outbox) MarkAsSynced(ctx context.Context, changes []pipeline.Change) error {
	if len(changes) == 0 {
		return nil
	}
	ids, err := rowIDs(changes)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET synced_at = NOW() WHERE id = ANY($1)`, o.Table())
	result, err := o.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark as synced: %w", err)
	}
	affected, _ := result.RowsAffected()
	o.logger.Debug("marked changes as synced", "count", affected)
	return nil
}

// MarkFailed increments the attempt count of changes. Rows reaching the
// maximum attempts are dead.
func (o *Outbox) MarkFailed(ctx context.Context, changes []pipeline.Change) error {
	if len(changes) == 0 {
		return nil
	}
	ids, err := rowIDs(changes)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1 WHERE id = ANY($1) RETURNING attempts`, o.Table())
	rows, err := o.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	defer rows.Close()
	dead := 0
	for rows.Next() {
		var attempts int
		if err := rows.Scan(&attempts); err != nil {
			return fmt.Errorf("scan attempts: %w", err)
		}
		if attempts >= o.maxAttempts {
			dead++
		}
	}
	if dead > 0 {
		o.logger.Warn("dead-lettered outbox rows", "count", dead, "max_attempts", o.maxAttempts)
	}
	return rows.Err()
}

// Hooks returns pipeline hooks recording failed attempts in the table.
// Use them with pipeline.HookMiddleware.
func (o *Outbox) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		AfterApply: func(ctx context.Context, _, failed []pipeline.Change, _ error) {
			if err := o.MarkFailed(ctx, failed); err != nil {
				o.logger.Error("failed to record failed attempts", "count", len(failed), "error", err)
			}
		},
	}
}

// Pending returns the number of unsynced rows still being retried.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	return o.count(ctx, "attempts < $1")
}

// Dead returns the number of unsynced rows that reached the maximum
// attempts.
func (o *Outbox) Dead(ctx context.Context) (int, error) {
	return o.count(ctx, "attempts >= $1")
}

func (o *Outbox) count(ctx context.Context, cond string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE synced_at IS NULL AND %s`, o.Table(), cond)
	if err := o.db.QueryRowContext(ctx, query, o.maxAttempts).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// Purge deletes rows synced before cutoff and returns how many were removed.
func (o *Outbox) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE synced_at IS NOT NULL AND synced_at < $1`, o.Table())
	result, err := o.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return result.RowsAffected()
}
