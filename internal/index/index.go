// Package index mirrors valid records into a SQL table so listings and cross-checks can run
// without walking the record store. Postgres (lib/pq) and SQLite (go-sqlite3) are supported.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// ErrDisabled is returned by Open when the index is not enabled
var ErrDisabled = errors.New("record index disabled")

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds the index connection settings
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns a disabled sqlite index
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Validate checks an enabled configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Driver != DriverPostgres && c.Driver != DriverSQLite {
		return fmt.Errorf("unsupported index driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("index DSN is required when enabled")
	}
	return nil
}

// Entry is one indexed record
type Entry struct {
	Experiment string          `db:"experiment"`
	RecorderID string          `db:"recorder_id"`
	ModelClass string          `db:"model_class"`
	Handler    string          `db:"handler"`
	TrainStart string          `db:"train_start"`
	TrainEnd   string          `db:"train_end"`
	TestStart  string          `db:"test_start"`
	TestEnd    string          `db:"test_end"`
	IC         sql.NullFloat64 `db:"ic"`
	ICIR       sql.NullFloat64 `db:"icir"`
	RankIC     sql.NullFloat64 `db:"rank_ic"`
	RankICIR   sql.NullFloat64 `db:"rank_icir"`
	Status     string          `db:"status"`
	StartTime  time.Time       `db:"start_time"`
	EndTime    time.Time       `db:"end_time"`
}

// Train parses the indexed train segment
func (e Entry) Train() (task.Segment, error) {
	return task.NewSegment(e.TrainStart, e.TrainEnd)
}

// EntryFromRecord flattens a record; undefined metrics become NULL
func EntryFromRecord(rec *store.Record) Entry {
	segs := rec.Task.Dataset.Segments
	s := rec.Stats.Summary
	return Entry{
		Experiment: rec.Experiment,
		RecorderID: rec.ID,
		ModelClass: rec.Task.Model.Class,
		Handler:    rec.Task.Dataset.Handler.Class,
		TrainStart: task.FormatDate(segs.Train.Start),
		TrainEnd:   task.FormatDate(segs.Train.End),
		TestStart:  task.FormatDate(segs.Test.Start),
		TestEnd:    task.FormatDate(segs.Test.End),
		IC:         nullFloat(s.IC),
		ICIR:       nullFloat(s.ICIR),
		RankIC:     nullFloat(s.RankIC),
		RankICIR:   nullFloat(s.RankICIR),
		Status:     rec.Meta.Status,
		StartTime:  rec.Meta.StartTime.UTC(),
		EndTime:    rec.Meta.EndTime.UTC(),
	}
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// Index is a SQL mirror of the record store
type Index struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects and pings the configured database
func Open(config Config) (*Index, error) {
	if !config.Enabled {
		return nil, ErrDisabled
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}
	return New(db, config.QueryTimeout), nil
}

// New wraps an open connection
func New(db *sqlx.DB, timeout time.Duration) *Index {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Index{db: db, timeout: timeout}
}

// DB returns the underlying connection
func (x *Index) DB() *sqlx.DB { return x.db }

// Close closes the connection
func (x *Index) Close() error {
	if x.db == nil {
		return nil
	}
	return x.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	experiment  TEXT NOT NULL,
	recorder_id TEXT NOT NULL,
	model_class TEXT NOT NULL,
	handler     TEXT NOT NULL,
	train_start TEXT NOT NULL,
	train_end   TEXT NOT NULL,
	test_start  TEXT NOT NULL,
	test_end    TEXT NOT NULL,
	ic          DOUBLE PRECISION,
	icir        DOUBLE PRECISION,
	rank_ic     DOUBLE PRECISION,
	rank_icir   DOUBLE PRECISION,
	status      TEXT NOT NULL,
	start_time  TIMESTAMP NOT NULL,
	end_time    TIMESTAMP NOT NULL,
	PRIMARY KEY (experiment, recorder_id)
)`

const trainIndex = `CREATE INDEX IF NOT EXISTS records_train ON records (experiment, train_start, train_end)`

// Migrate creates the records table
func (x *Index) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	for _, stmt := range []string{schema, trainIndex} {
		if _, err := x.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate index: %w", err)
		}
	}
	return nil
}

const upsertQuery = `
INSERT INTO records (experiment, recorder_id, model_class, handler, train_start, train_end,
	test_start, test_end, ic, icir, rank_ic, rank_icir, status, start_time, end_time)
VALUES (:experiment, :recorder_id, :model_class, :handler, :train_start, :train_end,
	:test_start, :test_end, :ic, :icir, :rank_ic, :rank_icir, :status, :start_time, :end_time)
ON CONFLICT (experiment, recorder_id) DO UPDATE SET
	model_class = excluded.model_class,
	handler = excluded.handler,
	train_start = excluded.train_start,
	train_end = excluded.train_end,
	test_start = excluded.test_start,
	test_end = excluded.test_end,
	ic = excluded.ic,
	icir = excluded.icir,
	rank_ic = excluded.rank_ic,
	rank_icir = excluded.rank_icir,
	status = excluded.status,
	start_time = excluded.start_time,
	end_time = excluded.end_time`

// Upsert inserts or replaces entries in one transaction
func (x *Index) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout*time.Duration(len(entries)/100+1))
	defer cancel()

	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.NamedExecContext(ctx, upsertQuery, e); err != nil {
			return fmt.Errorf("failed to index %s/%s: %w", e.Experiment, e.RecorderID, err)
		}
	}
	return tx.Commit()
}

const columns = `experiment, recorder_id, model_class, handler, train_start, train_end,
	test_start, test_end, ic, icir, rank_ic, rank_icir, status, start_time, end_time`

// List returns the entries of an experiment ordered by train segment
func (x *Index) List(ctx context.Context, experiment string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	query := x.db.Rebind(`SELECT ` + columns + ` FROM records WHERE experiment = ? ORDER BY train_start, train_end, recorder_id`)
	var out []Entry
	if err := x.db.SelectContext(ctx, &out, query, experiment); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", experiment, err)
	}
	return out, nil
}

// Experiments returns the distinct indexed experiment names
func (x *Index) Experiments(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var out []string
	if err := x.db.SelectContext(ctx, &out, `SELECT DISTINCT experiment FROM records ORDER BY experiment`); err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return out, nil
}

// TrainSegments returns the indexed train segments of an experiment
func (x *Index) TrainSegments(ctx context.Context, experiment string) ([]task.Segment, error) {
	entries, err := x.List(ctx, experiment)
	if err != nil {
		return nil, err
	}
	out := make([]task.Segment, 0, len(entries))
	for _, e := range entries {
		seg, err := e.Train()
		if err != nil {
			return nil, fmt.Errorf("recorder %s: %w", e.RecorderID, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

// Prune deletes entries of experiment whose recorder is not in keep
func (x *Index) Prune(ctx context.Context, experiment string, keep []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var (
		query string
		args  []interface{}
		err   error
	)
	if len(keep) == 0 {
		query, args = `DELETE FROM records WHERE experiment = ?`, []interface{}{experiment}
	} else {
		query, args, err = sqlx.In(`DELETE FROM records WHERE experiment = ? AND recorder_id NOT IN (?)`, experiment, keep)
		if err != nil {
			return 0, err
		}
	}
	res, err := x.db.ExecContext(ctx, x.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", experiment, err)
	}
	return res.RowsAffected()
}
