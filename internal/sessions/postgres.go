package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
)

// PGStore backs the session service with Postgres: a sessions table plus a
// foreign-keyed messages table. updated_at is maintained by triggers (see
// migrations), so appends are single inserts.
type PGStore struct {
	db *sql.DB
}

// NewPGStore opens a Postgres-backed store. The schema must already be
// migrated (vargos migrate up).
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Create(ctx context.Context, h *Header) (*Header, error) {
	key, err := Parse(h.SessionKey)
	if err != nil {
		return nil, err
	}

	stored := h.Clone()
	stored.Kind = key.Kind()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	metaJSON, err := json.Marshal(orEmptyMeta(stored.Metadata))
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, kind, label, agent_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (session_key) DO NOTHING`,
		uuid.Must(uuid.NewV7()), stored.SessionKey, string(stored.Kind),
		nilStr(stored.Label), nilStr(stored.AgentID), metaJSON, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errAlreadyExists(h.SessionKey)
	}
	return stored, nil
}

func (s *PGStore) Get(ctx context.Context, key string) (*Header, int, error) {
	var (
		h        Header
		kind     string
		label    sql.NullString
		agentID  sql.NullString
		metaJSON []byte
		msgCount int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.session_key, s.kind, s.label, s.agent_id, s.metadata, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.session_key = $1`, key,
	).Scan(&h.SessionKey, &kind, &label, &agentID, &metaJSON, &h.CreatedAt, &h.UpdatedAt, &msgCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errNotFound(key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("select session: %w", err)
	}
	h.Kind = Kind(kind)
	h.Label = label.String
	h.AgentID = agentID.String
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &h.Metadata)
	}
	return &h, msgCount, nil
}

func (s *PGStore) Update(ctx context.Context, key string, upd UpdateFields) (*Header, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		h        Header
		kind     string
		label    sql.NullString
		agentID  sql.NullString
		metaJSON []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT session_key, kind, label, agent_id, metadata, created_at, updated_at
		 FROM sessions WHERE session_key = $1 FOR UPDATE`, key,
	).Scan(&h.SessionKey, &kind, &label, &agentID, &metaJSON, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	h.Kind = Kind(kind)
	h.Label = label.String
	h.AgentID = agentID.String
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &h.Metadata)
	}

	if upd.Label != nil {
		h.Label = *upd.Label
	}
	if upd.AgentID != nil {
		h.AgentID = *upd.AgentID
	}
	if upd.Metadata != nil {
		h.Metadata = upd.Metadata
	}
	h.UpdatedAt = time.Now().UTC()

	newMeta, err := json.Marshal(orEmptyMeta(h.Metadata))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET label = $2, agent_id = $3, metadata = $4, updated_at = $5
		 WHERE session_key = $1`,
		key, nilStr(h.Label), nilStr(h.AgentID), newMeta, h.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	k, err := Parse(key)
	if err != nil {
		return err
	}

	var res sql.Result
	if k.IsSubagent() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = $1`, key)
	} else {
		// Root delete cascades to spawned sub-agents; messages go via FK.
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_key = $1 OR session_key LIKE $2`,
			key, key+":subagent:%")
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound(key)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f ListFilter) ([]*Header, error) {
	query := `SELECT session_key, kind, label, agent_id, metadata, created_at, updated_at FROM sessions`
	var args []any
	if f.Kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Header
	for rows.Next() {
		var (
			h        Header
			kind     string
			label    sql.NullString
			agentID  sql.NullString
			metaJSON []byte
		)
		if err := rows.Scan(&h.SessionKey, &kind, &label, &agentID, &metaJSON, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Kind = Kind(kind)
		h.Label = label.String
		h.AgentID = agentID.String
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &h.Metadata)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *PGStore) AddMessage(ctx context.Context, msg *Message) error {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	var metaJSON []byte
	if msg.Metadata != nil {
		if metaJSON, err = json.Marshal(msg.Metadata); err != nil {
			return err
		}
	}

	// Insert-via-select resolves the session FK and the existence check in
	// one statement; the trigger refreshes sessions.updated_at.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, session_key, role, content, metadata, created_at)
		 SELECT $1, s.id, $2, $3, $4, $5, $6 FROM sessions s WHERE s.session_key = $2`,
		msg.ID, msg.SessionKey, string(msg.Role), contentJSON, metaJSON, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound(msg.SessionKey)
	}
	return nil
}

func (s *PGStore) Messages(ctx context.Context, key string, limit int, before time.Time) ([]*Message, error) {
	// Existence first: an empty result must distinguish "no messages" from
	// "no session".
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE session_key = $1)`, key).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotFound(key)
	}

	// seq is a bigserial that mirrors append order exactly, so ordering by
	// it is stable even when timestamps collide.
	const cols = `id, session_key, role, content, metadata, created_at, seq`
	query := `SELECT ` + cols + ` FROM messages WHERE session_key = $1`
	args := []any{key}
	if !before.IsZero() {
		query += fmt.Sprintf(` AND created_at < $%d`, len(args)+1)
		args = append(args, before)
	}
	if limit > 0 {
		// Most recent N, returned oldest-first.
		query = `SELECT ` + cols + ` FROM (` + query +
			fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args)+1) + `) latest ORDER BY seq ASC`
		args = append(args, limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m           Message
			role        string
			contentJSON []byte
			metaJSON    []byte
			seq         int64
		)
		if err := rows.Scan(&m.ID, &m.SessionKey, &role, &contentJSON, &metaJSON, &m.Timestamp, &seq); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if err := json.Unmarshal(contentJSON, &m.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &m.Metadata)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() error { return s.db.Close() }

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmptyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
