package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"transitpush/internal/devices"
	"transitpush/internal/push"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Terminal tasks older than this are deleted during periodic pruning.
const terminalRetention = 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

// ---- tasks ----

func (s *sqliteStore) SaveTask(ctx context.Context, t push.Task) error {
	return s.upsertTask(ctx, t)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t push.Task) error {
	err := s.upsertTask(ctx, t)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.pruneTerminal(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) upsertTask(ctx context.Context, t push.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(id, name, state, retry_count, last_attempt, next_attempt, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, state=excluded.state, retry_count=excluded.retry_count,
		   last_attempt=excluded.last_attempt, next_attempt=excluded.next_attempt,
		   updated_at=excluded.updated_at`,
		t.ID, t.Name, string(t.State), t.RetryCount,
		timeToMilli(t.LastAttempt), timeToMilli(t.NextAttempt), time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	for _, m := range t.Messages {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, task_id, payload) VALUES(?,?,?)
			 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
			m.ID, t.ID, string(payload),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, taskID string, m push.Message) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, task_id, payload) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
		m.ID, taskID, string(payload),
	)
	return err
}

func (s *sqliteStore) PendingTasks(ctx context.Context) ([]push.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, retry_count, last_attempt, next_attempt
		 FROM tasks WHERE state NOT IN (?, ?) ORDER BY updated_at`,
		string(push.TaskComplete), string(push.TaskFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []push.Task
	for rows.Next() {
		var (
			t      push.Task
			state  string
			lastMS int64
			nextMS int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &state, &t.RetryCount, &lastMS, &nextMS); err != nil {
			return nil, err
		}
		t.State = push.TaskState(state)
		t.LastAttempt = milliToTime(lastMS)
		t.NextAttempt = milliToTime(nextMS)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		msgs, err := s.taskMessages(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Messages = msgs
	}
	return tasks, nil
}

func (s *sqliteStore) taskMessages(ctx context.Context, taskID string) ([]push.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []push.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m push.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			s.log.Warn("skipping undecodable message payload",
				logx.String("task", taskID), logx.Err(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sqliteStore) pruneTerminal(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-terminalRetention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?, ?) AND updated_at < ?`,
		string(push.TaskComplete), string(push.TaskFailed), cutoff)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE task_id NOT IN (SELECT id FROM tasks)`)
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned terminal tasks", logx.Int64("count", n))
	}
	return err
}

// ---- agency snapshots ----

func (s *sqliteStore) SaveAgency(ctx context.Context, a *transit.Agency) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return errors.New("agency id is required")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agencies(id, payload, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		a.ID, string(payload), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Agency(ctx context.Context, id string) (*transit.Agency, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM agencies WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a transit.Agency
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ---- devices ----

func (s *sqliteStore) Devices(ctx context.Context) ([]devices.Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, account_id, agency_id, routes, updated_at FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []devices.Device
	for rows.Next() {
		var (
			d      devices.Device
			routes string
			ms     int64
		)
		if err := rows.Scan(&d.Token, &d.AccountID, &d.AgencyID, &routes, &ms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(routes), &d.Routes); err != nil {
			s.log.Warn("skipping device with undecodable routes", logx.String("token", d.Token))
			continue
		}
		d.UpdatedAt = milliToTime(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveDevice(ctx context.Context, d devices.Device) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	routes, err := json.Marshal(d.Routes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices(token, account_id, agency_id, routes, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(token) DO UPDATE SET
		   account_id=excluded.account_id, agency_id=excluded.agency_id,
		   routes=excluded.routes, updated_at=excluded.updated_at`,
		d.Token, d.AccountID, d.AgencyID, string(routes), timeToMilli(d.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteDevices(ctx context.Context, tokens []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(tokens) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(tokens))[1:]
	args := make([]any, len(tokens))
	for i, tok := range tokens {
		args[i] = tok
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE token IN (`+placeholders+`)`, args...)
	return err
}

func (s *sqliteStore) RenameDevice(ctx context.Context, oldToken, newToken string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if oldToken == "" || newToken == "" || oldToken == newToken {
		return nil
	}
	// OR REPLACE handles the case where the canonical token is already
	// registered as its own device.
	_, err := s.db.ExecContext(ctx,
		`UPDATE OR REPLACE devices SET token = ?, updated_at = ? WHERE token = ?`,
		newToken, time.Now().UnixMilli(), oldToken)
	return err
}

// ---- helpers ----

func timeToMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func milliToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
