// Package sqlite is a store.Store on SQLite.
//
// The database file may be shared by the KDC and by clients running on the
// same host, which is how registration reaches the KDC's records. Writes run
// in IMMEDIATE transactions, so concurrent read-modify-write operations are
// serialized by SQLite's write lock while readers proceed under WAL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheusHen/legosec/legosec/errs"
	"github.com/TheusHen/legosec/legosec/store"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id        TEXT PRIMARY KEY,
	encrypted_secret BLOB NOT NULL,
	authorized_peers TEXT NOT NULL DEFAULT '[]',
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	public_key       BLOB
);
CREATE TABLE IF NOT EXISTS session_keys (
	key_id      TEXT PRIMARY KEY,
	initiator   TEXT NOT NULL,
	responder   TEXT NOT NULL,
	session_key BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_keys_pair ON session_keys (initiator, responder);
CREATE INDEX IF NOT EXISTS session_keys_expiry ON session_keys (expires_at);
CREATE TABLE IF NOT EXISTS connection_logs (
	log_id          TEXT PRIMARY KEY,
	connection_type TEXT NOT NULL,
	initiator       TEXT,
	target          TEXT,
	timestamp       INTEGER NOT NULL,
	status          TEXT NOT NULL,
	details         TEXT NOT NULL DEFAULT '',
	ip_address      TEXT,
	duration        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS connection_logs_ts ON connection_logs (timestamp);
`

// Store is a store.Store backed by a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	memory := path == "" || path == ":memory:"
	if memory {
		dsn = "file::memory:?_txlock=immediate"
	} else {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.E(errs.KindStore, "open sqlite", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.E(errs.KindStore, "migrate sqlite", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the time source (for testing).
func (s *Store) SetClock(fn func() time.Time) { s.now = fn }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, clientID string) (store.ClientIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, encrypted_secret, authorized_peers, created_at, expires_at, public_key
		FROM clients WHERE client_id = ?`, clientID)
	rec, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ClientIdentity{}, store.ErrNotFound
	}
	if err != nil {
		return store.ClientIdentity{}, errs.E(errs.KindStore, "get client", err)
	}
	return rec, nil
}

func (s *Store) Upsert(ctx context.Context, rec store.ClientIdentity) error {
	if err := store.ValidateNew(rec, s.now()); err != nil {
		return errs.E(errs.KindStore, "upsert client", err)
	}
	peers, err := encodePeers(store.NormalizePeers(rec.AuthorizedPeers))
	if err != nil {
		return errs.E(errs.KindStore, "upsert client", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, encrypted_secret, authorized_peers, created_at, expires_at, public_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			created_at       = excluded.created_at,
			expires_at       = excluded.expires_at,
			public_key       = excluded.public_key`,
		rec.ClientID, rec.EncryptedSecret, peers, toUnix(rec.CreatedAt), toUnix(rec.ExpiresAt), rec.PublicKey)
	if err != nil {
		return errs.E(errs.KindStore, "upsert client", err)
	}
	return nil
}

func (s *Store) UpdateSet(ctx context.Context, clientID string, fn func([]string) []string) (out []string, err error) {
	const op = "update authorized peers"
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT authorized_peers FROM clients WHERE client_id = ?`, clientID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodePeers(raw)
		if err != nil {
			return err
		}
		out = store.NormalizePeers(fn(cur))
		encoded, err := encodePeers(out)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE clients SET authorized_peers = ? WHERE client_id = ?`, encoded, clientID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errs.E(errs.KindStore, op, err)
	}
	return out, nil
}

func (s *Store) EnsureSessionKey(ctx context.Context, candidate store.SessionKey) (out store.SessionKey, err error) {
	const op = "ensure session key"
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT key_id, initiator, responder, session_key, created_at, expires_at
			FROM session_keys
			WHERE ((initiator = ? AND responder = ?) OR (initiator = ? AND responder = ?))
			  AND expires_at > ?
			ORDER BY created_at DESC LIMIT 1`,
			candidate.Initiator, candidate.Responder, candidate.Responder, candidate.Initiator, toUnix(now))
		var createdAt, expiresAt int64
		err := row.Scan(&out.KeyID, &out.Initiator, &out.Responder, &out.Key, &createdAt, &expiresAt)
		if err == nil {
			out.CreatedAt, out.ExpiresAt = fromUnix(createdAt), fromUnix(expiresAt)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if !candidate.ExpiresAt.After(now) {
			return store.ErrExpiryInPast
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_keys (key_id, initiator, responder, session_key, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			candidate.KeyID, candidate.Initiator, candidate.Responder, candidate.Key,
			toUnix(candidate.CreatedAt), toUnix(candidate.ExpiresAt))
		out = candidate
		return err
	})
	if err != nil {
		return store.SessionKey{}, errs.E(errs.KindStore, op, err)
	}
	return out, nil
}

func (s *Store) AppendLog(ctx context.Context, e store.ConnectionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_logs (log_id, connection_type, initiator, target, timestamp, status, details, ip_address, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LogID, string(e.Type), nullable(e.Initiator), nullable(e.Target), toUnix(e.Timestamp),
		string(e.Status), e.Details, nullable(e.RemoteAddr), int64(e.Duration))
	if err != nil {
		return errs.E(errs.KindStore, "append log", err)
	}
	return nil
}

func (s *Store) RecentLogs(ctx context.Context, limit int) ([]store.ConnectionLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT log_id, connection_type, initiator, target, timestamp, status, details, ip_address, duration
		FROM connection_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.E(errs.KindStore, "recent logs", err)
	}
	defer rows.Close()

	var out []store.ConnectionLog
	for rows.Next() {
		var (
			e                       store.ConnectionLog
			typ, status             string
			initiator, target, addr sql.NullString
			ts, duration            int64
		)
		if err := rows.Scan(&e.LogID, &typ, &initiator, &target, &ts, &status, &e.Details, &addr, &duration); err != nil {
			return nil, errs.E(errs.KindStore, "recent logs", err)
		}
		e.Type, e.Status = store.ConnectionType(typ), store.LogStatus(status)
		e.Initiator, e.Target, e.RemoteAddr = initiator.String, target.String, addr.String
		e.Timestamp, e.Duration = fromUnix(ts), time.Duration(duration)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.KindStore, "recent logs", err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (store.ClientIdentity, error) {
	var (
		rec                  store.ClientIdentity
		peers                string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&rec.ClientID, &rec.EncryptedSecret, &peers, &createdAt, &expiresAt, &rec.PublicKey); err != nil {
		return store.ClientIdentity{}, err
	}
	list, err := decodePeers(peers)
	if err != nil {
		return store.ClientIdentity{}, err
	}
	rec.AuthorizedPeers = list
	rec.CreatedAt, rec.ExpiresAt = fromUnix(createdAt), fromUnix(expiresAt)
	return rec, nil
}

func encodePeers(peers []string) (string, error) {
	if peers == nil {
		peers = []string{}
	}
	b, err := json.Marshal(peers)
	return string(b), err
}

func decodePeers(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var peers []string
	if err := json.Unmarshal([]byte(raw), &peers); err != nil {
		return nil, fmt.Errorf("decode authorized_peers: %w", err)
	}
	return store.NormalizePeers(peers), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }
