package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a meter.
type Status string

// Lifecycle statuses. The string values are the ones dashboards and the mobile app already use.
const (
	StatusActive              Status = "ACTIVE"
	StatusMaintenanceRequired Status = "MAINTENANCE"
	StatusOffline             Status = "OFFLINE"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusMaintenanceRequired, StatusOffline:
		return true
	default:
		return false
	}
}

// Location is a WGS84 point.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	return nil
}

// Meter is the monitored unit of the distribution network.
type Meter struct {
	ID              string    `db:"id" json:"id"`
	SerialNumber    string    `db:"serial_number" json:"serialNumber"`
	Location        *Location `json:"location,omitempty"`
	Status          Status    `db:"status" json:"status"`
	CurrentFlowRate float64   `db:"current_flow_rate" json:"currentFlowRate"`
	LastUpdated     time.Time `db:"last_updated" json:"lastUpdated"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Clone returns a copy that shares no memory with m.
func (m Meter) Clone() Meter {
	if m.Location != nil {
		loc := *m.Location
		m.Location = &loc
	}
	return m
}

// Validate checks the mutable fields of a meter.
func (m Meter) Validate() error {
	if m.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	if !ValidFlowRate(m.CurrentFlowRate) {
		return fmt.Errorf("flow rate %v must be finite and non-negative", m.CurrentFlowRate)
	}
	if m.Location != nil {
		return m.Location.Validate()
	}
	return nil
}

// ValidFlowRate reports whether v is an acceptable flow measurement in L/min.
func ValidFlowRate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
