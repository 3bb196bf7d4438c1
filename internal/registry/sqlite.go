package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sensiblebit/passkit/internal/passerr"
)

// MemoryDSN opens a private in-memory SQLite database.
const MemoryDSN = ":memory:"

// sqliteMappingRow maps a row in the mappings table.
type sqliteMappingRow struct {
	Serial    string         `db:"serial"`
	MemberID  string         `db:"member_id"`
	FullName  string         `db:"full_name"`
	Email     sql.NullString `db:"email"`
	Tier      sql.NullString `db:"tier"`
	UpdatedAt int64          `db:"updated_at"`
}

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
// MemoryDSN yields a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := "file::memory:?_pragma=temp_store(2)"
	if path != MemoryDSN {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, passerr.New(passerr.KindConfiguration, "registry.OpenSQLite", path, fmt.Errorf("creating database directory: %w", err))
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(full)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, passerr.New(passerr.KindConfiguration, "registry.OpenSQLite", path, fmt.Errorf("opening database: %w", err))
	}
	// One writer at a time keeps every transaction serialized.
	db.SetMaxOpenConns(1)

	if err := initRegistrySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, passerr.New(passerr.KindConfiguration, "registry.OpenSQLite", path, fmt.Errorf("initializing schema: %w", err))
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// initRegistrySchema creates the devices, registrations and mappings tables.
func initRegistrySchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT PRIMARY KEY,
			pass_type_id TEXT NOT NULL,
			push_token   TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating devices table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registrations (
			device_id  TEXT NOT NULL,
			serial     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY(device_id, serial)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating registrations table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_registrations_serial ON registrations (serial);
	`)
	if err != nil {
		return fmt.Errorf("creating serial index: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mappings (
			serial     TEXT PRIMARY KEY,
			member_id  TEXT NOT NULL,
			full_name  TEXT NOT NULL,
			email      TEXT,
			tier       TEXT,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating mappings table: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLite) RegisterDevice(ctx context.Context, device, passType, serial, pushToken string) (bool, error) {
	const op = "registry.RegisterDevice"
	if err := validateKey(op, map[string]string{"device": device, "passType": passType, "serial": serial}); err != nil {
		return false, err
	}

	now := s.now().UnixNano()
	var created bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (device_id, pass_type_id, push_token, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				pass_type_id = excluded.pass_type_id,
				push_token = CASE WHEN excluded.push_token <> '' THEN excluded.push_token ELSE devices.push_token END,
				updated_at = excluded.updated_at
		`, device, passType, pushToken, now)
		if err != nil {
			return fmt.Errorf("upserting device %s: %w", device, err)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO registrations (device_id, serial, created_at) VALUES (?, ?, ?)",
			device, serial, now)
		if err != nil {
			return fmt.Errorf("inserting registration %s/%s: %w", device, serial, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting inserted registrations: %w", err)
		}
		created = n > 0
		return nil
	})
	if err != nil {
		return false, persistenceError(op, err)
	}
	return created, nil
}

func (s *SQLite) ListSerials(ctx context.Context, device, passType string) ([]string, error) {
	serials := []string{}
	err := s.db.SelectContext(ctx, &serials, `
		SELECT r.serial FROM registrations r
		JOIN devices d ON d.device_id = r.device_id
		WHERE d.device_id = ? AND d.pass_type_id = ?
		ORDER BY r.serial
	`, device, passType)
	if err != nil {
		return nil, persistenceError("registry.ListSerials", fmt.Errorf("listing serials for %s: %w", device, err))
	}
	return serials, nil
}

func (s *SQLite) UnregisterDevice(ctx context.Context, device, passType, serial string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM registrations
			WHERE device_id = ? AND serial = ?
			  AND EXISTS (SELECT 1 FROM devices WHERE device_id = ? AND pass_type_id = ?)
		`, device, serial, device, passType)
		if err != nil {
			return fmt.Errorf("deleting registration %s/%s: %w", device, serial, err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM devices
			WHERE device_id = ?
			  AND NOT EXISTS (SELECT 1 FROM registrations WHERE device_id = ?)
		`, device, device)
		if err != nil {
			return fmt.Errorf("pruning device %s: %w", device, err)
		}
		return nil
	})
	return persistenceError("registry.UnregisterDevice", err)
}

func (s *SQLite) SaveMapping(ctx context.Context, m Mapping) error {
	const op = "registry.SaveMapping"
	if err := validateKey(op, map[string]string{"serial": m.Serial}); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mappings (serial, member_id, full_name, email, tier, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.Serial, m.MemberID, m.FullName, nullString(m.Email), nullString(m.Tier), m.UpdatedAt.UnixNano())
	if err != nil {
		return persistenceError(op, fmt.Errorf("saving mapping %s: %w", m.Serial, err))
	}
	return nil
}

func (s *SQLite) GetMapping(ctx context.Context, serial string) (*Mapping, error) {
	var row sqliteMappingRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM mappings WHERE serial = ?", serial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("registry.GetMapping", fmt.Errorf("reading mapping %s: %w", serial, err))
	}
	return &Mapping{
		Serial:    row.Serial,
		MemberID:  row.MemberID,
		FullName:  row.FullName,
		Email:     row.Email.String,
		Tier:      row.Tier.String,
		UpdatedAt: time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

func (s *SQLite) RegistrationsForSerials(ctx context.Context, serials []string) ([]Registration, error) {
	const op = "registry.RegistrationsForSerials"
	query := `
		SELECT d.device_id, d.pass_type_id, d.push_token, r.serial
		FROM registrations r
		JOIN devices d ON d.device_id = r.device_id
	`
	var args []any
	if len(serials) > 0 {
		var err error
		query, args, err = sqlx.In(query+" WHERE r.serial IN (?)", serials)
		if err != nil {
			return nil, persistenceError(op, fmt.Errorf("building query: %w", err))
		}
		query = s.db.Rebind(query)
	}

	var regs []Registration
	if err := s.db.SelectContext(ctx, &regs, query, args...); err != nil {
		return nil, persistenceError(op, fmt.Errorf("listing registrations: %w", err))
	}
	sortRegistrations(regs)
	return regs, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
