// Package sqlstore implements store.Store over database/sql, selecting
// the driver from the DSN scheme: "sqlite://" for the cgo-free
// modernc.org/sqlite driver (dev/default, per spec §6's default DSN),
// "mysql://" for github.com/go-sql-driver/mysql (production, per spec
// §6's "relational (MySQL)" persisted-state description). Grounded on
// snapetech-plexTuner/internal/plex/dvr.go's database/sql usage
// (sql.Open + blank driver import + parameterized Exec), widened from a
// one-off Plex DB patch into a small connection-pool-backed store.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/gb28181/vms/internal/store"
)

// sqlStore implements store.Store. upsertDevice differs by dialect
// (ON CONFLICT vs ON DUPLICATE KEY), everything else is portable SQL.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "mysql"
}

// Open parses dsn's scheme, opens a connection pool against the matching
// driver, and (sqlite only) ensures the core tables exist. A mysql DSN
// is assumed to point at a database whose schema is already migrated,
// since the table layout is explicitly out of this package's contract.
func Open(dsn string) (store.Store, error) {
	dialect, driverDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	driverName := dialect
	db, err := sql.Open(driverName, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", dialect, err)
	}

	s := &sqlStore{db: db, dialect: dialect}
	if dialect == "sqlite" {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func parseDSN(dsn string) (dialect, driverDSN string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	default:
		return "", "", fmt.Errorf("sqlstore: unrecognized DSN scheme in %q (want sqlite:// or mysql://)", dsn)
	}
}

func (s *sqlStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gmv_device (
			device_id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			transport TEXT NOT NULL,
			status INTEGER NOT NULL,
			register_ts INTEGER NOT NULL,
			expires_sec INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gmv_device_channel (
			device_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			online INTEGER NOT NULL,
			PRIMARY KEY (device_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS gmv_record (
			stream_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS gmv_file_info (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) UpsertDevice(ctx context.Context, d store.Device) error {
	var q string
	switch s.dialect {
	case "mysql":
		q = `INSERT INTO gmv_device (device_id, domain, transport, status, register_ts, expires_sec)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE domain=VALUES(domain), transport=VALUES(transport),
				status=VALUES(status), register_ts=VALUES(register_ts), expires_sec=VALUES(expires_sec)`
	default:
		q = `INSERT INTO gmv_device (device_id, domain, transport, status, register_ts, expires_sec)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET domain=excluded.domain, transport=excluded.transport,
				status=excluded.status, register_ts=excluded.register_ts, expires_sec=excluded.expires_sec`
	}
	_, err := s.db.ExecContext(ctx, q, d.DeviceID, d.Domain, d.Transport, int(d.Status), d.RegisterTS.Unix(), d.ExpiresSec)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

func (s *sqlStore) SetDeviceStatus(ctx context.Context, deviceID string, status store.DeviceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gmv_device SET status = ? WHERE device_id = ?`, int(status), deviceID)
	if err != nil {
		return fmt.Errorf("sqlstore: set device status %s: %w", deviceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqlStore) QueryChannelStatus(ctx context.Context, deviceID, channelID string) (store.ChannelStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT online FROM gmv_device_channel WHERE device_id = ? AND channel_id = ?`, deviceID, channelID)
	var online int
	if err := row.Scan(&online); err != nil {
		if err == sql.ErrNoRows {
			return store.ChannelStatus{}, store.ErrNotFound
		}
		return store.ChannelStatus{}, fmt.Errorf("sqlstore: query channel status %s/%s: %w", deviceID, channelID, err)
	}
	return store.ChannelStatus{DeviceID: deviceID, ChannelID: channelID, Online: online != 0}, nil
}

func (s *sqlStore) InsertRecord(ctx context.Context, r store.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gmv_record (stream_id, device_id, channel_id, mode, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, NULL)`,
		r.StreamID, r.DeviceID, r.ChannelID, r.Mode, r.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: insert record %s: %w", r.StreamID, err)
	}
	return nil
}

func (s *sqlStore) UpdateRecord(ctx context.Context, streamID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gmv_record SET ended_at = ? WHERE stream_id = ?`, endedAt.Unix(), streamID)
	if err != nil {
		return fmt.Errorf("sqlstore: update record %s: %w", streamID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqlStore) InsertFileInfo(ctx context.Context, f store.FileInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gmv_file_info (stream_id, file_path, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		f.StreamID, f.FilePath, f.SizeBytes, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: insert file info %s: %w", f.StreamID, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

var _ store.Store = (*sqlStore)(nil)
