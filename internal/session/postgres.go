package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and event logs in PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	maxEvents int
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxEvents int) (*PostgresStore, error) {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, maxEvents: maxEvents}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			app_scope TEXT NOT NULL,
			client_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			app_state JSONB NOT NULL DEFAULT '{}',
			convo_state JSONB NOT NULL DEFAULT '{}',
			current_agent TEXT NOT NULL DEFAULT '',
			handoff_chain JSONB NOT NULL DEFAULT '[]',
			next_seq BIGINT NOT NULL DEFAULT 1,
			last_activity TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app_scope, client_id, session_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			app_scope TEXT NOT NULL,
			client_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app_scope, client_id, session_id, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateOrGet(ctx context.Context, key Key, initial *State) (*Session, error) {
	now := time.Now().UTC()
	appState, convoState, err := marshalState(initial)
	if err != nil {
		return nil, err
	}

	// ON CONFLICT DO NOTHING keeps the first writer's session when two
	// reconnects race; the SELECT below sees whichever row won.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (app_scope, client_id, session_id, app_state, convo_state, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (app_scope, client_id, session_id) DO NOTHING`,
		key.AppScope, key.ClientID, key.SessionID, appState, convoState, now,
	)
	if err != nil {
		return nil, storageErr("create session", err)
	}
	return s.Get(ctx, key)
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT app_state, convo_state, current_agent, handoff_chain, last_activity, created_at
		 FROM sessions WHERE app_scope=$1 AND client_id=$2 AND session_id=$3`,
		key.AppScope, key.ClientID, key.SessionID,
	)
	return scanSession(row, key)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, key Key, event Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT next_seq FROM sessions
		 WHERE app_scope=$1 AND client_id=$2 AND session_id=$3 FOR UPDATE`,
		key.AppScope, key.ClientID, key.SessionID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageErr("lock session", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO session_events (app_scope, client_id, session_id, seq, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.AppScope, key.ClientID, key.SessionID, seq, event.Type, []byte(event.Payload), event.Timestamp,
	)
	if err != nil {
		return 0, storageErr("insert event", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET next_seq=$4, last_activity=$5
		 WHERE app_scope=$1 AND client_id=$2 AND session_id=$3`,
		key.AppScope, key.ClientID, key.SessionID, seq+1, time.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("touch session", err)
	}

	// Retention cap: drop the oldest events past the configured window.
	_, err = tx.Exec(ctx,
		`DELETE FROM session_events
		 WHERE app_scope=$1 AND client_id=$2 AND session_id=$3 AND seq <= $4`,
		key.AppScope, key.ClientID, key.SessionID, seq-int64(s.maxEvents),
	)
	if err != nil {
		return 0, storageErr("trim events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit append", err)
	}
	return seq, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, key Key, mutate func(*Session) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT app_state, convo_state, current_agent, handoff_chain, last_activity, created_at
		 FROM sessions WHERE app_scope=$1 AND client_id=$2 AND session_id=$3 FOR UPDATE`,
		key.AppScope, key.ClientID, key.SessionID,
	)
	sess, err := scanSession(row, key)
	if err != nil {
		return err
	}

	if err := mutate(sess); err != nil {
		return err
	}

	appState, convoState, err := marshalState(sess.State)
	if err != nil {
		return err
	}
	chain, err := json.Marshal(sess.HandoffChain)
	if err != nil {
		return fmt.Errorf("marshal handoff chain: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET app_state=$4, convo_state=$5, current_agent=$6, handoff_chain=$7, last_activity=$8
		 WHERE app_scope=$1 AND client_id=$2 AND session_id=$3`,
		key.AppScope, key.ClientID, key.SessionID,
		appState, convoState, sess.CurrentAgent, chain, time.Now().UTC(),
	)
	if err != nil {
		return storageErr("update state", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit update", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, key Key, sinceSeq int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, event_type, payload, created_at FROM session_events
		 WHERE app_scope=$1 AND client_id=$2 AND session_id=$3 AND seq > $4
		 ORDER BY seq`,
		key.AppScope, key.ClientID, key.SessionID, sinceSeq,
	)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var payload []byte
		if err := rows.Scan(&evt.Seq, &evt.Type, &payload, &evt.Timestamp); err != nil {
			return nil, storageErr("scan event row", err)
		}
		evt.Payload = json.RawMessage(payload)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate event rows", err)
	}
	return events, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`DELETE FROM session_events e USING sessions s
		 WHERE e.app_scope=s.app_scope AND e.client_id=s.client_id AND e.session_id=s.session_id
		   AND s.last_activity < $1`,
		olderThan,
	)
	if err != nil {
		return 0, storageErr("purge events", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE last_activity < $1`, olderThan)
	if err != nil {
		return 0, storageErr("purge sessions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit purge", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, key Key) (*Session, error) {
	var (
		appState, convoState, chain []byte
		sess                        = Session{
			SessionID: key.SessionID,
			ClientID:  key.ClientID,
			AppScope:  key.AppScope,
			State:     NewState(),
		}
	)
	err := row.Scan(&appState, &convoState, &sess.CurrentAgent, &chain, &sess.LastActivity, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan session", err)
	}
	if len(appState) > 0 {
		if err := json.Unmarshal(appState, &sess.State.App); err != nil {
			return nil, fmt.Errorf("decode app state: %w", err)
		}
	}
	if len(convoState) > 0 {
		if err := json.Unmarshal(convoState, &sess.State.Conversation); err != nil {
			return nil, fmt.Errorf("decode conversation state: %w", err)
		}
	}
	if len(chain) > 0 {
		if err := json.Unmarshal(chain, &sess.HandoffChain); err != nil {
			return nil, fmt.Errorf("decode handoff chain: %w", err)
		}
	}
	return &sess, nil
}

func marshalState(state *State) ([]byte, []byte, error) {
	if state == nil {
		state = NewState()
	}
	appState, err := json.Marshal(state.App)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal app state: %w", err)
	}
	convoState, err := json.Marshal(state.Conversation)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal conversation state: %w", err)
	}
	return appState, convoState, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
