// Package sqlitestore persists session state that must survive restarts:
// media waiting for its message, processed packet ids, and written media.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sealchat/ircsession"
)

// Store is a SQLite-backed PendingMediaStore, ReplayGuard and MessageStore.
type Store struct {
	db        *sql.DB
	replayTTL time.Duration
	now       func() time.Time
}

var (
	_ ircsession.PendingMediaStore = (*Store)(nil)
	_ ircsession.ReplayGuard       = (*Store)(nil)
	_ ircsession.MessageStore      = (*Store)(nil)
)

// Open opens or creates the database at path. replayTTL bounds how long
// processed packet ids are remembered; zero keeps them forever.
func Open(path string, replayTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	// One connection keeps in-memory databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db, replayTTL: replayTTL, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("opened sqlite store")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		transfer_id TEXT NOT NULL UNIQUE,
		file BLOB NOT NULL,
		queued_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_message ON pending_media(message_id);

	CREATE TABLE IF NOT EXISTS seen_packets (
		id TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_at ON seen_packets(seen_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		file BLOB NOT NULL,
		written_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_media_message ON media(message_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue implements ircsession.PendingMediaStore. A transfer queued twice
// keeps its first entry.
func (s *Store) Enqueue(ctx context.Context, pm ircsession.PendingMedia) error {
	blob, err := msgpack.Marshal(pm.File)
	if err != nil {
		return fmt.Errorf("encode pending media %s: %w", pm.TransferID, err)
	}
	queuedAt := pm.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_media (message_id, transfer_id, file, queued_at)
		VALUES (?, ?, ?, ?)`,
		pm.MessageID, pm.TransferID, blob, queuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue pending media %s: %w", pm.TransferID, err)
	}
	return nil
}

// Take implements ircsession.PendingMediaStore.
func (s *Store) Take(ctx context.Context, messageID string) ([]ircsession.PendingMedia, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT transfer_id, file, queued_at FROM pending_media
		WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query pending media: %w", err)
	}
	var out []ircsession.PendingMedia
	for rows.Next() {
		var (
			pm       = ircsession.PendingMedia{MessageID: messageID}
			blob     []byte
			queuedAt int64
		)
		if err := rows.Scan(&pm.TransferID, &blob, &queuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending media: %w", err)
		}
		var f ircsession.MediaFile
		if err := msgpack.Unmarshal(blob, &f); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode pending media %s: %w", pm.TransferID, err)
		}
		pm.File = &f
		pm.QueuedAt = time.UnixMilli(queuedAt)
		out = append(out, pm)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_media WHERE message_id = ?`, messageID); err != nil {
		return nil, fmt.Errorf("delete pending media: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of queued transfers.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_media`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending media: %w", err)
	}
	return n, nil
}

// MarkSeen implements ircsession.ReplayGuard. Ids older than the replay TTL
// count as unseen.
func (s *Store) MarkSeen(ctx context.Context, id string) (bool, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark seen: %w", err)
	}
	defer tx.Rollback()

	var seenAt int64
	err = tx.QueryRowContext(ctx, `SELECT seen_at FROM seen_packets WHERE id = ?`, id).Scan(&seenAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("look up packet %s: %w", id, err)
	case s.replayTTL <= 0 || now.Sub(time.UnixMilli(seenAt)) <= s.replayTTL:
		return true, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO seen_packets (id, seen_at) VALUES (?, ?)`,
		id, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("record packet %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark seen: %w", err)
	}
	return false, nil
}

// Forget implements ircsession.ReplayGuard.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM seen_packets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("forget packet %s: %w", id, err)
	}
	return nil
}

// Prune deletes packet ids past the replay TTL and returns how many went.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.replayTTL <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.replayTTL).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_packets WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune seen packets: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Int64("removed", n).Msg("pruned seen packet ids")
	}
	return n, nil
}

// AddMessage records that a message exists locally.
func (s *Store) AddMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO messages (id, created_at) VALUES (?, ?)`,
		messageID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add message %s: %w", messageID, err)
	}
	return nil
}

// MessageExists implements ircsession.MessageStore.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up message %s: %w", messageID, err)
	}
	return true, nil
}

// WriteMedia implements ircsession.MessageStore.
func (s *Store) WriteMedia(ctx context.Context, messageID string, file *ircsession.MediaFile) error {
	blob, err := msgpack.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode media for %s: %w", messageID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO media (message_id, file, written_at) VALUES (?, ?, ?)`,
		messageID, blob, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write media for %s: %w", messageID, err)
	}
	return nil
}

// Media returns the files written for a message in write order.
func (s *Store) Media(ctx context.Context, messageID string) ([]*ircsession.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file FROM media WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()

	var out []*ircsession.MediaFile
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		var f ircsession.MediaFile
		if err := msgpack.Unmarshal(blob, &f); err != nil {
			return nil, fmt.Errorf("decode media: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
