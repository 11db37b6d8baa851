package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; the control loop is the only caller.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Committed valve transitions
	CREATE TABLE IF NOT EXISTS valve_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		zone_id INTEGER NOT NULL,
		prev_state INTEGER NOT NULL,
		new_state INTEGER NOT NULL,
		source TEXT NOT NULL,
		reason TEXT,
		timestamp DATETIME NOT NULL,
		published INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_valve_events_zone ON valve_events(zone_id);
	CREATE INDEX IF NOT EXISTS idx_valve_events_timestamp ON valve_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_valve_events_published ON valve_events(published);

	-- Periodic soil moisture samples
	CREATE TABLE IF NOT EXISTS moisture_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id INTEGER NOT NULL,
		raw INTEGER NOT NULL,
		percent INTEGER NOT NULL,
		temperature REAL,
		humidity REAL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_moisture_zone ON moisture_readings(zone_id);
	CREATE INDEX IF NOT EXISTS idx_moisture_timestamp ON moisture_readings(timestamp);

	-- Safety limit trips
	CREATE TABLE IF NOT EXISTS safety_trips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id INTEGER NOT NULL,
		trip TEXT NOT NULL,
		elapsed_sec INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		published INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_safety_trips_timestamp ON safety_trips(timestamp);

	-- Runtime state that survives restarts
	CREATE TABLE IF NOT EXISTS zone_runtime (
		zone_id INTEGER PRIMARY KEY,
		last_watered DATETIME,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Valve Operations ---

// InsertValveEvent inserts a new valve event
func (db *DB) InsertValveEvent(e *ValveEvent) (int64, error) {
	query := `INSERT INTO valve_events
		(run_id, zone_id, prev_state, new_state, source, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, e.RunID, e.ZoneID, e.PrevState, e.NewState,
		e.Source, e.Reason, e.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert valve event: %w", err)
	}
	return result.LastInsertId()
}

const valveEventColumns = `id, run_id, zone_id, prev_state, new_state, source, reason, timestamp, published`

func scanValveEvents(rows *sql.Rows) ([]*ValveEvent, error) {
	defer rows.Close()

	var events []*ValveEvent
	for rows.Next() {
		e := &ValveEvent{}
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.ZoneID, &e.PrevState, &e.NewState,
			&e.Source, &reason, &e.Timestamp, &e.Published); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetValveEvents retrieves the most recent events, optionally for one zone
// (zone < 0 selects every zone)
func (db *DB) GetValveEvents(zone int, limit int) ([]*ValveEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if zone < 0 {
		rows, err = db.conn.Query(`SELECT `+valveEventColumns+` FROM valve_events
			ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = db.conn.Query(`SELECT `+valveEventColumns+` FROM valve_events
			WHERE zone_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, zone, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query valve events: %w", err)
	}
	return scanValveEvents(rows)
}

// GetUnpublishedValveEvents retrieves events not yet delivered to the broker
func (db *DB) GetUnpublishedValveEvents(limit int) ([]*ValveEvent, error) {
	rows, err := db.conn.Query(`SELECT `+valveEventColumns+` FROM valve_events
		WHERE published = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished valve events: %w", err)
	}
	return scanValveEvents(rows)
}

// MarkValveEventPublished marks an event as delivered
func (db *DB) MarkValveEventPublished(id int64) error {
	_, err := db.conn.Exec("UPDATE valve_events SET published = 1 WHERE id = ?", id)
	return err
}

// --- Moisture Operations ---

// InsertReading inserts a moisture sample
func (db *DB) InsertReading(r *MoistureReading) (int64, error) {
	query := `INSERT INTO moisture_readings
		(zone_id, raw, percent, temperature, humidity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.ZoneID, r.Raw, r.Percent, r.Temperature, r.Humidity, r.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}
	return result.LastInsertId()
}

// GetReadings retrieves the most recent samples for a zone
func (db *DB) GetReadings(zone uint8, limit int) ([]*MoistureReading, error) {
	query := `SELECT id, zone_id, raw, percent, temperature, humidity, timestamp
		FROM moisture_readings WHERE zone_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, zone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []*MoistureReading
	for rows.Next() {
		r := &MoistureReading{}
		var temp, hum sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.ZoneID, &r.Raw, &r.Percent, &temp, &hum, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Temperature = temp.Float64
		r.Humidity = hum.Float64
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// PruneReadings deletes samples older than before and returns how many were removed
func (db *DB) PruneReadings(before time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM moisture_readings WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	return result.RowsAffected()
}

// --- Safety Operations ---

// InsertSafetyTrip records a safety trip
func (db *DB) InsertSafetyTrip(t *SafetyTrip) (int64, error) {
	query := `INSERT INTO safety_trips (zone_id, trip, elapsed_sec, timestamp)
		VALUES (?, ?, ?, ?)`

	result, err := db.conn.Exec(query, t.ZoneID, t.Trip, int64(t.Elapsed/time.Second), t.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert safety trip: %w", err)
	}
	return result.LastInsertId()
}

func scanSafetyTrips(rows *sql.Rows) ([]*SafetyTrip, error) {
	defer rows.Close()

	var trips []*SafetyTrip
	for rows.Next() {
		t := &SafetyTrip{}
		var sec int64
		if err := rows.Scan(&t.ID, &t.ZoneID, &t.Trip, &sec, &t.Timestamp, &t.Published); err != nil {
			return nil, err
		}
		t.Elapsed = time.Duration(sec) * time.Second
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// GetSafetyTrips retrieves the most recent safety trips
func (db *DB) GetSafetyTrips(limit int) ([]*SafetyTrip, error) {
	query := `SELECT id, zone_id, trip, elapsed_sec, timestamp, published
		FROM safety_trips ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety trips: %w", err)
	}
	return scanSafetyTrips(rows)
}

// GetUnpublishedSafetyTrips retrieves trips not yet delivered to the broker
func (db *DB) GetUnpublishedSafetyTrips(limit int) ([]*SafetyTrip, error) {
	query := `SELECT id, zone_id, trip, elapsed_sec, timestamp, published
		FROM safety_trips WHERE published = 0 ORDER BY id LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished safety trips: %w", err)
	}
	return scanSafetyTrips(rows)
}

// MarkSafetyTripPublished marks a trip as delivered
func (db *DB) MarkSafetyTripPublished(id int64) error {
	_, err := db.conn.Exec("UPDATE safety_trips SET published = 1 WHERE id = ?", id)
	return err
}

// --- Runtime Operations ---

// SetLastWatered stores the start time of a zone's most recent run
func (db *DB) SetLastWatered(zone uint8, at time.Time) error {
	query := `INSERT INTO zone_runtime (zone_id, last_watered, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET last_watered = excluded.last_watered, updated_at = excluded.updated_at`

	if _, err := db.conn.Exec(query, zone, at.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store last watered: %w", err)
	}
	return nil
}

// GetZoneRuntimes retrieves the stored runtime of every zone
func (db *DB) GetZoneRuntimes() ([]*ZoneRuntime, error) {
	rows, err := db.conn.Query(`SELECT zone_id, last_watered, updated_at FROM zone_runtime ORDER BY zone_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zone runtime: %w", err)
	}
	defer rows.Close()

	var out []*ZoneRuntime
	for rows.Next() {
		z := &ZoneRuntime{}
		var last sql.NullTime
		if err := rows.Scan(&z.ZoneID, &last, &z.UpdatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			z.LastWatered = last.Time
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// ClearRuntime removes all stored runtime, used by a factory reset
func (db *DB) ClearRuntime() error {
	if _, err := db.conn.Exec("DELETE FROM zone_runtime"); err != nil {
		return fmt.Errorf("failed to clear zone runtime: %w", err)
	}
	return nil
}
