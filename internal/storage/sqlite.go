package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const notificationCols = `id, title, message, scheduled_at, urgent, delivered, created_at, delivered_at`

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// OpenSQLite opens (or creates) the database at cfg.Path and applies the schema.
func OpenSQLite(cfg Config, log logx.Logger) (schedule.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	// Pragmas in the DSN apply to every connection the pool opens.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes mark-delivered against pending reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, d schedule.Draft) (int64, error) {
	return s.insertRaw(ctx, d.Title, d.Message, schedule.FormatTime(d.At), d.Urgent)
}

func (s *sqliteStore) insertRaw(ctx context.Context, title, message, at string, urgent bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(title, message, scheduled_at, urgent, delivered, created_at)
		 VALUES(?, ?, ?, ?, 0, ?)`,
		title, message, at, boolToInt(urgent), schedule.FormatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading notification id: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (schedule.Notification, error) {
	var n schedule.Notification
	err := s.db.GetContext(ctx, &n, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Notification{}, fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	if err != nil {
		return schedule.Notification{}, fmt.Errorf("getting notification %d: %w", id, err)
	}
	return n, nil
}

func (s *sqliteStore) FetchPending(ctx context.Context) ([]schedule.Notification, error) {
	var out []schedule.Notification
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE delivered = 0
		 ORDER BY scheduled_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pending notifications: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0`,
		schedule.FormatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("marking notification %d delivered: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking notification %d delivered: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Upcoming(ctx context.Context, limit int) ([]schedule.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []schedule.Notification
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE delivered = 0
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying upcoming notifications: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Between(ctx context.Context, from, to time.Time) ([]schedule.Notification, error) {
	var out []schedule.Notification
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE delivered = 0 AND scheduled_at BETWEEN ? AND ?
		 ORDER BY scheduled_at ASC, id ASC`,
		schedule.FormatTime(from.Local()), schedule.FormatTime(to.Local()))
	if err != nil {
		return nil, fmt.Errorf("querying notifications between: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) CountByDay(ctx context.Context, now time.Time, days int) ([]schedule.DayCount, error) {
	keys := schedule.DayKeys(now.Local(), days)
	if len(keys) == 0 {
		return nil, nil
	}
	var rows []struct {
		Day string `db:"day"`
		N   int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT substr(scheduled_at, 1, 10) AS day, COUNT(*) AS n
		 FROM notifications
		 WHERE substr(scheduled_at, 1, 10) BETWEEN ? AND ?
		 GROUP BY day`,
		keys[0], keys[len(keys)-1])
	if err != nil {
		return nil, fmt.Errorf("counting notifications by day: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Day] = r.N
	}
	return schedule.FillDays(now.Local(), days, counts), nil
}

func (s *sqliteStore) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE delivered = 1 AND delivered_at IS NOT NULL AND delivered_at < ?`,
		schedule.FormatTime(before.Local()))
	if err != nil {
		return 0, fmt.Errorf("pruning delivered notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
