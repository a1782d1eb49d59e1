package models

import "time"

// Measurement is one reading reported by a logger. Records are written
// once and never mutated.
//
// Sensor fields are pointers: a logger without a pressure sensor simply
// omits the field, and an absent reading must stay distinguishable from a
// measured zero.
type Measurement struct {
	DeviceID    string   `json:"deviceId"`
	Timestamp   int64    `json:"timestamp"` // epoch milliseconds, assigned by the server
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Charge      *float64 `json:"charge,omitempty"`
}

// DateTime renders the millisecond timestamp as ISO-8601 UTC. The derived
// value appears in query responses only and is never stored.
func (m Measurement) DateTime() string {
	return time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z")
}
