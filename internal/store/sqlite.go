package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

// SQL statements for state persistence.
const (
	sqlLoadEntities = `SELECT entity_name, id, version_id, origin, commits, head FROM entities`

	sqlLoadClientState = `SELECT session, is_online, requests, last_error
		FROM client_state WHERE singleton = 1`

	sqlUpsertEntity = `INSERT INTO entities
		(entity_name, id, version_id, origin, commits, head, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_name, id) DO UPDATE SET
		 version_id = excluded.version_id,
		 origin = excluded.origin,
		 commits = excluded.commits,
		 head = excluded.head,
		 updated_at = excluded.updated_at`

	sqlDeleteEntity = `DELETE FROM entities WHERE entity_name = ? AND id = ?`

	sqlDeleteAllEntities = `DELETE FROM entities`

	sqlUpdateClientState = `UPDATE client_state SET
		session = ?, is_online = ?, requests = ?, last_error = ?, updated_at = ?
		WHERE singleton = 1`
)

// SQLite persists the state in a SQLite database and keeps the current
// snapshot in memory. Every Dispatch writes the entities it touched and
// the client row in one transaction before the new snapshot becomes
// visible.
type SQLite struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time

	mu sync.RWMutex
	s  state.LocalState
}

// OpenSQLite opens (or creates) the database at dbPath, runs migrations
// and loads the stored state. The database uses WAL mode with
// synchronous=FULL.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	st := &SQLite{db: db, logger: logger, nowFunc: time.Now}

	loaded, err := st.load(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	st.s = loaded

	logger.Info("state store opened",
		slog.String("db_path", dbPath),
		slog.Int("entities", len(state.Followed(loaded))),
	)

	return st, nil
}

// Close releases the database connection.
func (st *SQLite) Close() error {
	if err := st.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

// State returns the current snapshot.
func (st *SQLite) State() state.LocalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.s
}

// Dispatch applies updates and persists the result. On a write failure
// the snapshot is left unchanged.
func (st *SQLite) Dispatch(ctx context.Context, updates ...state.Update) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := state.Apply(st.s, updates...)

	if err := st.persist(ctx, next, updates); err != nil {
		return err
	}

	st.s = next

	return nil
}

func (st *SQLite) persist(ctx context.Context, next state.LocalState, updates []state.Update) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := st.nowFunc().UnixNano()

	reset := false
	seen := make(map[state.Key]bool)

	var keys []state.Key

	for _, u := range updates {
		reset = reset || u.Reset

		for _, k := range u.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	if reset {
		if _, err := tx.ExecContext(ctx, sqlDeleteAllEntities); err != nil {
			return fmt.Errorf("store: clearing entities: %w", err)
		}

		keys = state.Followed(next)
	}

	for _, k := range keys {
		info, ok := next.Entities[k.EntityName][k.ID]
		if !ok {
			if _, err := tx.ExecContext(ctx, sqlDeleteEntity, k.EntityName, k.ID); err != nil {
				return fmt.Errorf("store: deleting %s: %w", k, err)
			}

			continue
		}

		if err := upsertEntity(ctx, tx, k, info, now); err != nil {
			return err
		}
	}

	if err := writeClientState(ctx, tx, next, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	st.logger.Debug("state persisted", slog.Int("entities_written", len(keys)))

	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, k state.Key, info state.EntityInfo, now int64) error {
	origin, err := json.Marshal(info.Origin)
	if err != nil {
		return fmt.Errorf("store: encoding origin of %s: %w", k, err)
	}

	commits := info.Commits
	if commits == nil {
		commits = []operation.Operation{}
	}

	commitsJSON, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("store: encoding commits of %s: %w", k, err)
	}

	var head sql.NullString

	if info.Head != nil {
		b, err := json.Marshal(info.Head)
		if err != nil {
			return fmt.Errorf("store: encoding head of %s: %w", k, err)
		}

		head = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, sqlUpsertEntity,
		k.EntityName, k.ID, info.VersionID, string(origin), string(commitsJSON), head, now)
	if err != nil {
		return fmt.Errorf("store: writing %s: %w", k, err)
	}

	return nil
}

func writeClientState(ctx context.Context, tx *sql.Tx, s state.LocalState, now int64) error {
	session, err := nullJSON(s.Session, s.Session == nil)
	if err != nil {
		return fmt.Errorf("store: encoding session: %w", err)
	}

	lastErr, err := nullJSON(s.Error, s.Error == nil)
	if err != nil {
		return fmt.Errorf("store: encoding last error: %w", err)
	}

	reqs := s.Network.Requests
	if reqs == nil {
		reqs = []state.ActionTag{}
	}

	reqsJSON, err := json.Marshal(reqs)
	if err != nil {
		return fmt.Errorf("store: encoding requests: %w", err)
	}

	_, err = tx.ExecContext(ctx, sqlUpdateClientState,
		session, s.Network.IsOnline, string(reqsJSON), lastErr, now)
	if err != nil {
		return fmt.Errorf("store: writing client state: %w", err)
	}

	return nil
}

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func (st *SQLite) load(ctx context.Context) (state.LocalState, error) {
	s := state.New()

	rows, err := st.db.QueryContext(ctx, sqlLoadEntities)
	if err != nil {
		return s, fmt.Errorf("store: loading entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		name, id, info, err := scanEntityRow(rows)
		if err != nil {
			return s, err
		}

		if s.Entities[name] == nil {
			s.Entities[name] = make(map[string]state.EntityInfo)
		}

		s.Entities[name][id] = info
	}

	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("store: iterating entity rows: %w", err)
	}

	var (
		session  sql.NullString
		isOnline bool
		reqs     string
		lastErr  sql.NullString
	)

	err = st.db.QueryRowContext(ctx, sqlLoadClientState).Scan(&session, &isOnline, &reqs, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}

	if err != nil {
		return s, fmt.Errorf("store: loading client state: %w", err)
	}

	s.Network.IsOnline = isOnline

	if err := json.Unmarshal([]byte(reqs), &s.Network.Requests); err != nil {
		return s, fmt.Errorf("store: decoding requests: %w", err)
	}

	if len(s.Network.Requests) == 0 {
		s.Network.Requests = nil
	}

	if session.Valid {
		s.Session = &state.Session{}
		if err := json.Unmarshal([]byte(session.String), s.Session); err != nil {
			return s, fmt.Errorf("store: decoding session: %w", err)
		}
	}

	if lastErr.Valid {
		s.Error = &state.ErrorRecord{}
		if err := json.Unmarshal([]byte(lastErr.String), s.Error); err != nil {
			return s, fmt.Errorf("store: decoding last error: %w", err)
		}
	}

	return s, nil
}

// scanEntityRow scans a single row from the entities table.
func scanEntityRow(rows *sql.Rows) (string, string, state.EntityInfo, error) {
	var (
		name, id, version string
		origin, commits   string
		head              sql.NullString
		info              state.EntityInfo
	)

	if err := rows.Scan(&name, &id, &version, &origin, &commits, &head); err != nil {
		return "", "", info, fmt.Errorf("store: scanning entity row: %w", err)
	}

	key := state.NewKey(name, id)
	info.VersionID = version

	if err := json.Unmarshal([]byte(origin), &info.Origin); err != nil {
		return "", "", info, fmt.Errorf("store: decoding origin of %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(commits), &info.Commits); err != nil {
		return "", "", info, fmt.Errorf("store: decoding commits of %s: %w", key, err)
	}

	if head.Valid {
		if err := json.Unmarshal([]byte(head.String), &info.Head); err != nil {
			return "", "", info, fmt.Errorf("store: decoding head of %s: %w", key, err)
		}
	}

	return name, id, info, nil
}
