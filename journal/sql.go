package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"  // register postgres driver
	_ "modernc.org/sqlite" // register sqlite driver
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_events (
	id           TEXT PRIMARY KEY,
	channel      TEXT NOT NULL,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	cursor_index INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	at           BIGINT NOT NULL
)`

const indexSchema = `CREATE INDEX IF NOT EXISTS channel_events_channel_at ON channel_events(channel, at)`

// SQLSink appends events to the channel_events table.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens dsn with driver (postgres or sqlite), verifies the
// connection and creates the table when missing.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping %s journal: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; WAL lets readers proceed alongside it
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	}
	s := NewSQLSink(db, driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an open database.
func NewSQLSink(db *sql.DB, driver string) *SQLSink {
	return &SQLSink{db: db, driver: driver}
}

// Migrate creates the events table and its index.
func (s *SQLSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create channel_events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("create channel_events index: %w", err)
	}
	return nil
}

func (s *SQLSink) Name() string { return "sql:" + s.driver }

func (s *SQLSink) Write(ctx context.Context, e Event) error {
	query := `INSERT INTO channel_events(id, channel, from_state, to_state, cursor_index, error, at) VALUES(` +
		s.placeholders(1, 7) + `)`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Channel, e.From, e.To, e.Cursor, e.Error, timeToUnixMillis(e.At))
	if err != nil {
		return fmt.Errorf("insert channel event: %w", err)
	}
	return nil
}

// Recent returns up to limit events for channel, oldest first.
func (s *SQLSink) Recent(ctx context.Context, channel string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, channel, from_state, to_state, cursor_index, error, at
		FROM channel_events
		WHERE channel = ` + s.placeholders(1, 1) + `
		ORDER BY at DESC
		LIMIT ` + s.placeholders(2, 1)
	rows, err := s.db.QueryContext(ctx, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.From, &e.To, &e.Cursor, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("scan channel event: %w", err)
		}
		e.At = unixMillisToTime(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel events: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLSink) Close() error { return s.db.Close() }

// placeholders renders n bind parameters starting at position from.
func (s *SQLSink) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if s.driver == DriverPostgres {
			parts[i] = fmt.Sprintf("$%d", from+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
