package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bbeesley/temperature-logger/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const createMeasurementsTable = `CREATE TABLE IF NOT EXISTS measurements (
	logger      TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	temperature REAL,
	humidity    REAL,
	pressure    REAL,
	charge      REAL,
	PRIMARY KEY (logger, timestamp)
)`

// SQLiteStore keeps measurements in a local SQLite file with the same
// (logger, timestamp) key shape as the DynamoDB table. Used for local
// development and testing.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createMeasurementsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating measurements table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts a record. INSERT OR REPLACE matches DynamoDB PutItem
// semantics: a same-millisecond write for the same logger overwrites.
func (s *SQLiteStore) Put(ctx context.Context, m models.Measurement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO measurements (logger, timestamp, temperature, humidity, pressure, charge)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.DeviceID, m.Timestamp, m.Temperature, m.Humidity, m.Pressure, m.Charge)
	return err
}

func (s *SQLiteStore) QueryByDevice(ctx context.Context, deviceID string, limit int, descending bool) ([]models.Measurement, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	if limit <= 0 {
		// -1 disables the LIMIT clause in SQLite
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logger, timestamp, temperature, humidity, pressure, charge
		 FROM measurements WHERE logger = ?
		 ORDER BY timestamp `+order+` LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func (s *SQLiteStore) ScanAll(ctx context.Context) ([]models.Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT logger, timestamp, temperature, humidity, pressure, charge
		 FROM measurements ORDER BY logger, timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

// ScanPage pages through the table in key order using a row-value
// comparison, so a resumed scan never revisits or skips a record even
// when writes land between pages.
func (s *SQLiteStore) ScanPage(ctx context.Context, limit int, endAt string) (Page, error) {
	last := pageKey{Logger: "", Timestamp: -1}
	if endAt != "" {
		var err error
		if last, err = decodePageKey(endAt); err != nil {
			return Page{}, err
		}
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logger, timestamp, temperature, humidity, pressure, charge
		 FROM measurements WHERE (logger, timestamp) > (?, ?)
		 ORDER BY logger, timestamp LIMIT ?`,
		last.Logger, last.Timestamp, limit)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	items, err := collectRows(rows)
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: items}
	if len(items) == limit {
		tail := items[len(items)-1]
		token, err := encodePageKey(pageKey{Logger: tail.DeviceID, Timestamp: tail.Timestamp})
		if err != nil {
			return Page{}, err
		}
		page.EndAt = token
	}
	return page, nil
}

func collectRows(rows *sql.Rows) ([]models.Measurement, error) {
	var records []models.Measurement
	for rows.Next() {
		var (
			m                           models.Measurement
			temp, hum, pressure, charge sql.NullFloat64
		)
		if err := rows.Scan(&m.DeviceID, &m.Timestamp, &temp, &hum, &pressure, &charge); err != nil {
			return nil, err
		}
		m.Temperature = nullableFloat(temp)
		m.Humidity = nullableFloat(hum)
		m.Pressure = nullableFloat(pressure)
		m.Charge = nullableFloat(charge)
		records = append(records, m)
	}
	return records, rows.Err()
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
