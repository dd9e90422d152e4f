package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS peer_contact (
		peer_id      TEXT PRIMARY KEY,
		addr         TEXT NOT NULL DEFAULT '',
		last_contact INTEGER NOT NULL,
		rx_global    INTEGER NOT NULL DEFAULT 0,
		rx_local     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sealer_state (
		id     INTEGER PRIMARY KEY CHECK (id = 1),
		global INTEGER NOT NULL
	)`,
}

// SQLiteStore persists each peer's last contact, address and accepted
// frame counter so that a restarted daemon neither treats every agent as
// stale until its next heartbeat nor accepts frames it has already seen.
// It also keeps the outbound global counter across runs.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (creating if needed) the contact database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared between calls.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record upserts p's contact row.  A stored timestamp or counter newer
// than p's is kept.
func (s *SQLiteStore) Record(ctx context.Context, p Peer) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := ""
	if p.Addr != nil {
		addr = p.Addr.String()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO peer_contact (peer_id, addr, last_contact, rx_global, rx_local)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
		   addr = excluded.addr,
		   last_contact = max(excluded.last_contact, peer_contact.last_contact),
		   rx_global = CASE WHEN `+counterNewer+` THEN excluded.rx_global ELSE peer_contact.rx_global END,
		   rx_local = CASE WHEN `+counterNewer+` THEN excluded.rx_local ELSE peer_contact.rx_local END
		 WHERE excluded.last_contact > peer_contact.last_contact OR `+counterNewer,
		p.ID, addr, p.LastContact.UnixMilli(), int64(p.Counter.Global), int64(p.Counter.Local),
	)
	if err != nil {
		return fmt.Errorf("record contact %s: %w", p.ID, err)
	}
	return nil
}

const counterNewer = `(excluded.rx_global > peer_contact.rx_global OR
	(excluded.rx_global = peer_contact.rx_global AND excluded.rx_local > peer_contact.rx_local))`

// Contact is one persisted row.
type Contact struct {
	PeerID      string
	Addr        *net.UDPAddr
	LastContact time.Time
	Counter     Counter
}

// Contacts returns every stored row ordered by peer id.
func (s *SQLiteStore) Contacts(ctx context.Context) ([]Contact, error) {
	if s == nil || s.sqlDB == nil {
		return nil, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT peer_id, addr, last_contact, rx_global, rx_local FROM peer_contact ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var (
			c             Contact
			addr          string
			millis        int64
			global, local int64
		)
		if err := rows.Scan(&c.PeerID, &addr, &millis, &global, &local); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if addr != "" {
			if ua, err := net.ResolveUDPAddr("udp", addr); err == nil {
				c.Addr = ua
			}
		}
		c.LastContact = time.UnixMilli(millis)
		c.Counter = Counter{Global: uint64(global), Local: uint32(local)}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// Restore applies stored contacts to ks and returns how many peers
// were updated.  Rows for peers no longer in the keys file are ignored.
func (s *SQLiteStore) Restore(ctx context.Context, ks *Keystore) (int, error) {
	contacts, err := s.Contacts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range contacts {
		_, touched := ks.Touch(c.PeerID, c.Addr, c.LastContact)
		advanced := ks.Advance(c.PeerID, c.Counter)
		if touched || advanced {
			n++
		}
	}
	return n, nil
}

// SealerCounter returns the outbound global counter saved by a previous
// run, zero when none was saved.
func (s *SQLiteStore) SealerCounter(ctx context.Context) (uint64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, nil
	}
	var global int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT global FROM sealer_state WHERE id = 1`).Scan(&global)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sealer counter: %w", err)
	}
	return uint64(global), nil
}

// SaveSealerCounter stores global unless a larger value is stored.
func (s *SQLiteStore) SaveSealerCounter(ctx context.Context, global uint64) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sealer_state (id, global) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET global = excluded.global
		 WHERE excluded.global > sealer_state.global`,
		int64(global),
	)
	if err != nil {
		return fmt.Errorf("save sealer counter: %w", err)
	}
	return nil
}
