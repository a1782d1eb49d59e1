package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bbeesley/temperature-logger/internal/models"
)

// Store is the measurement table. Records are keyed (logger, timestamp),
// partitioned by logger, so "latest reading for device X" is a bounded
// reverse read of one partition rather than a table scan.
//
// An earlier layout kept every record in a single global partition keyed
// only by timestamp; per-device queries then needed a full scan. That
// variant is retired and would live behind this interface if it ever came
// back.
type Store interface {
	// Put inserts a record. No read-before-write, no conflict detection:
	// a second write for the same device in the same millisecond wins.
	Put(ctx context.Context, m models.Measurement) error

	// QueryByDevice returns one device's records ordered by timestamp,
	// newest first when descending is set. limit <= 0 means unbounded.
	QueryByDevice(ctx context.Context, deviceID string, limit int, descending bool) ([]models.Measurement, error)

	// ScanAll returns every record across all devices. Cross-device
	// ordering is unspecified.
	ScanAll(ctx context.Context) ([]models.Measurement, error)

	// ScanPage returns one page of the table plus a continuation token.
	// Passing the token back resumes the scan; an empty token in the
	// result means the scan is complete.
	ScanPage(ctx context.Context, limit int, endAt string) (Page, error)
}

// Page is one bounded slice of a table scan.
type Page struct {
	Items []models.Measurement
	EndAt string // opaque continuation token, empty when done
}

// pageKey is the last key a scan returned, serialized into the
// continuation token. Callers treat the token as opaque; both backends
// decode the same shape.
type pageKey struct {
	Logger    string `json:"logger"`
	Timestamp int64  `json:"timestamp"`
}

func encodePageKey(k pageKey) (string, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePageKey(token string) (pageKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return pageKey{}, fmt.Errorf("invalid continuation token: %w", err)
	}
	var k pageKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return pageKey{}, fmt.Errorf("invalid continuation token: %w", err)
	}
	return k, nil
}
