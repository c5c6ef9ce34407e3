// Package store persists discovered peripherals and their enumerated GATT
// catalogs in a SQLite database (WAL mode).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gatt"
)

// Store is the peripheral and catalog cache.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (or creates) the SQLite file at path with WAL journal mode and
// applies the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// one writer; WAL still lets readers through
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.WithField("path", path).Debug("Peripheral cache opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range []string{ddlPeripherals, ddlCatalogs, ddlDescriptors} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// SavePeripheral inserts or replaces a peripheral snapshot.
func (s *Store) SavePeripheral(ctx context.Context, p device.Peripheral) error {
	adv, err := json.Marshal(p.Advertisement)
	if err != nil {
		return fmt.Errorf("store: encode advertisement: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO peripherals (id, name, rssi, advertisement, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rssi = excluded.rssi,
			advertisement = excluded.advertisement,
			last_seen = excluded.last_seen`,
		string(p.ID), p.Name, p.RSSI, string(adv), p.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save peripheral %s: %w", p.ID, err)
	}
	return nil
}

// Peripheral returns a cached peripheral, NotFoundError when absent.
func (s *Store) Peripheral(ctx context.Context, id device.PeripheralID) (device.Peripheral, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, rssi, advertisement, last_seen FROM peripherals WHERE id = ?`, string(id))
	p, err := scanPeripheral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Peripheral{}, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{string(id)}}
	}
	return p, err
}

// Peripherals returns every cached peripheral, most recently seen first.
func (s *Store) Peripherals(ctx context.Context) ([]device.Peripheral, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, rssi, advertisement, last_seen FROM peripherals ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list peripherals: %w", err)
	}
	defer rows.Close()

	var out []device.Peripheral
	for rows.Next() {
		p, err := scanPeripheral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeripheral(row rowScanner) (device.Peripheral, error) {
	var (
		id, name, adv string
		rssi          int
		seen          int64
	)
	if err := row.Scan(&id, &name, &rssi, &adv, &seen); err != nil {
		return device.Peripheral{}, err
	}
	p := device.Peripheral{
		ID:       device.PeripheralID(id),
		Name:     name,
		RSSI:     rssi,
		LastSeen: time.UnixMilli(seen),
	}
	if err := json.Unmarshal([]byte(adv), &p.Advertisement); err != nil {
		return device.Peripheral{}, fmt.Errorf("store: decode advertisement of %s: %w", id, err)
	}
	return p, nil
}

// SaveCatalog replaces the cached catalog of a peripheral, descriptor values
// included.
func (s *Store) SaveCatalog(ctx context.Context, id device.PeripheralID, catalog *gatt.Catalog) error {
	profile, err := json.Marshal(catalog.Profile())
	if err != nil {
		return fmt.Errorf("store: encode profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM descriptors WHERE peripheral = ?`, string(id)); err != nil {
		return fmt.Errorf("store: clear descriptors of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catalogs (peripheral, profile, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(peripheral) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		string(id), string(profile), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("store: save catalog of %s: %w", id, err)
	}
	for _, d := range catalog.Descriptors() {
		if d.Value == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO descriptors (peripheral, service, characteristic, uuid, value) VALUES (?, ?, ?, ?, ?)`,
			string(id), d.ServiceUUID, d.CharacteristicUUID, d.UUID, d.Value); err != nil {
			return fmt.Errorf("store: save descriptor %s of %s: %w", d.UUID, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"services":   catalog.Len(),
	}).Debug("Catalog cached")
	return nil
}

// Catalog rebuilds a cached catalog, NotFoundError when none is cached.
func (s *Store) Catalog(ctx context.Context, id device.PeripheralID) (*gatt.Catalog, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM catalogs WHERE peripheral = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &device.NotFoundError{Resource: "catalog", UUIDs: []string{string(id)}}
	}
	if err != nil {
		return nil, fmt.Errorf("store: load catalog of %s: %w", id, err)
	}

	var profile device.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("store: decode catalog of %s: %w", id, err)
	}
	catalog, err := gatt.Build(&profile)
	if err != nil {
		return nil, fmt.Errorf("store: cached catalog of %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT service, characteristic, uuid, value FROM descriptors WHERE peripheral = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("store: load descriptors of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var svc, char, uuid string
		var value []byte
		if err := rows.Scan(&svc, &char, &uuid, &value); err != nil {
			return nil, err
		}
		if err := catalog.SetDescriptorValue(svc, char, uuid, value); err != nil {
			s.logger.WithError(err).WithField("peripheral", id).Warn("Cached descriptor no longer in catalog")
		}
	}
	return catalog, rows.Err()
}

// ClearCatalog drops the cached catalog of a peripheral.
func (s *Store) ClearCatalog(ctx context.Context, id device.PeripheralID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalogs WHERE peripheral = ?`, string(id)); err != nil {
		return fmt.Errorf("store: clear catalog of %s: %w", id, err)
	}
	return nil
}

// Remove drops a peripheral and its catalog.
func (s *Store) Remove(ctx context.Context, id device.PeripheralID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peripherals WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("store: remove %s: %w", id, err)
	}
	return s.ClearCatalog(ctx, id)
}

const ddlPeripherals = `
CREATE TABLE IF NOT EXISTS peripherals (
    id            TEXT    PRIMARY KEY,
    name          TEXT    NOT NULL,
    rssi          INTEGER NOT NULL,
    advertisement TEXT    NOT NULL,   -- JSON
    last_seen     INTEGER NOT NULL    -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_peripherals_last_seen ON peripherals (last_seen DESC);
`

const ddlCatalogs = `
CREATE TABLE IF NOT EXISTS catalogs (
    peripheral TEXT    PRIMARY KEY,
    profile    TEXT    NOT NULL,      -- JSON enumeration result
    updated_at INTEGER NOT NULL
);
`

const ddlDescriptors = `
CREATE TABLE IF NOT EXISTS descriptors (
    peripheral     TEXT NOT NULL REFERENCES catalogs (peripheral) ON DELETE CASCADE,
    service        TEXT NOT NULL,
    characteristic TEXT NOT NULL,
    uuid           TEXT NOT NULL,
    value          BLOB NOT NULL,
    PRIMARY KEY (peripheral, service, characteristic, uuid)
);
`
