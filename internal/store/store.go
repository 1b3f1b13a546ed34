package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/aegis-sessions/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUserSessionExists = errors.New("user session already exists")
	// ErrMultipleRows means an update or delete by primary key touched more
	// than one row. The transaction is rolled back before it is returned.
	ErrMultipleRows = errors.New("multiple rows affected")
)

const uniqueViolation = "23505"

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SessionFilter narrows ListSessions. Zero fields are ignored; the zero
// filter lists every session.
type SessionFilter struct {
	UserID     *int64
	ConsumerID string
	ProducerID string
}

// SessionUpdate sets the non-nil fields on the session row. WsConn replaces
// the whole signaling document, including a nil ProducerID.
type SessionUpdate struct {
	ID        string
	Status    *model.SessionStatus
	WsConn    *model.WsConn
	Container *model.Container
}

func New(db DB) *Store {
	return &Store{db: db}
}

const selectSession = `
select id, app_release_uuid, container, status, updated, user_id, ws_conn
from sessions.sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		out          model.Session
		status       string
		containerRaw []byte
		wsConnRaw    []byte
	)
	if err := row.Scan(&out.ID, &out.AppReleaseUUID, &containerRaw, &status, &out.Updated, &out.UserID, &wsConnRaw); err != nil {
		return nil, err
	}
	out.Status = model.SessionStatus(status)
	out.Updated = out.Updated.UTC()
	if len(containerRaw) > 0 && string(containerRaw) != "null" {
		var c model.Container
		if err := json.Unmarshal(containerRaw, &c); err != nil {
			return nil, fmt.Errorf("decode container: %w", err)
		}
		out.Container = &c
	}
	if err := json.Unmarshal(wsConnRaw, &out.WsConn); err != nil {
		return nil, fmt.Errorf("decode ws_conn: %w", err)
	}
	return &out, nil
}

func (s *Store) InsertSession(ctx context.Context, sess *model.Session) error {
	containerArg, err := jsonArg(sess.Container)
	if err != nil {
		return err
	}
	wsConn, err := json.Marshal(sess.WsConn)
	if err != nil {
		return err
	}
	const q = `
insert into sessions.sessions (id, app_release_uuid, container, status, user_id, ws_conn, updated)
values ($1, $2, $3, $4, $5, $6, now())
returning updated`
	var updated time.Time
	err = s.db.QueryRow(ctx, q,
		sess.ID, sess.AppReleaseUUID, containerArg, string(sess.Status), sess.UserID, json.RawMessage(wsConn),
	).Scan(&updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserSessionExists, pgErr.ConstraintName)
		}
		return err
	}
	sess.Updated = updated.UTC()
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, selectSession+"\nwhere id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.ConsumerID != "" {
		args = append(args, f.ConsumerID)
		where = append(where, fmt.Sprintf("ws_conn->>'consumer_id' = $%d", len(args)))
	}
	if f.ProducerID != "" {
		args = append(args, f.ProducerID)
		where = append(where, fmt.Sprintf("ws_conn->>'producer_id' = $%d", len(args)))
	}
	q := selectSession
	if len(where) > 0 {
		q += "\nwhere " + strings.Join(where, " and ")
	}
	q += "\norder by updated asc, id asc"
	return s.querySessions(ctx, q, args...)
}

// ListStalePending returns pending sessions that never received a container
// and have not been touched since before.
func (s *Store) ListStalePending(ctx context.Context, before time.Time) ([]model.Session, error) {
	q := selectSession + `
where status = 'pending' and container is null and updated < $1
order by updated asc, id asc`
	return s.querySessions(ctx, q, before)
}

func (s *Store) querySessions(ctx context.Context, q string, args ...any) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountSessionsByStatus(ctx context.Context) (map[model.SessionStatus]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from sessions.sessions group by status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.SessionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.SessionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateSession(ctx context.Context, upd SessionUpdate) error {
	sets := []string{"updated = now()"}
	args := []any{upd.ID}
	if upd.Status != nil {
		args = append(args, string(*upd.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.WsConn != nil {
		b, err := json.Marshal(upd.WsConn)
		if err != nil {
			return err
		}
		args = append(args, json.RawMessage(b))
		sets = append(sets, fmt.Sprintf("ws_conn = $%d", len(args)))
	}
	if upd.Container != nil {
		b, err := json.Marshal(upd.Container)
		if err != nil {
			return err
		}
		args = append(args, json.RawMessage(b))
		sets = append(sets, fmt.Sprintf("container = $%d", len(args)))
	}
	q := "update sessions.sessions\nset " + strings.Join(sets, ", ") + "\nwhere id = $1"
	return s.execOneRow(ctx, q, args...)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.execOneRow(ctx, `delete from sessions.sessions where id = $1`, id)
}

// execOneRow runs q in its own transaction and commits only when exactly one
// row was affected.
func (s *Store) execOneRow(ctx context.Context, q string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	switch n := tag.RowsAffected(); {
	case n == 0:
		return ErrNotFound
	case n > 1:
		return fmt.Errorf("%w: %d rows", ErrMultipleRows, n)
	}
	return tx.Commit(ctx)
}

func jsonArg(v *model.Container) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
