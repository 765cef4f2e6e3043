package models

import "time"

// Reading is a single flow measurement reported by a field device.
type Reading struct {
	DeviceSerial string    `json:"deviceSerial"`
	FlowRate     float64   `json:"flowRate"`
	Timestamp    time.Time `json:"timestamp"`
}

// Classification is the health verdict derived from a flow rate.
type Classification string

// Classification values.
const (
	ClassificationNormal Classification = "NORMAL"
	ClassificationBurst  Classification = "BURST"
)

// AuditCause names the path that produced a meter mutation.
type AuditCause string

// Mutation causes.
const (
	CauseTelemetry       AuditCause = "telemetry"
	CauseOperatorResolve AuditCause = "operator_resolve"
	CauseOperatorUpdate  AuditCause = "operator_update"
)

// AuditEvent records a classification transition of one meter.
type AuditEvent struct {
	Sequence     int64          `db:"seq" json:"sequence"`
	MeterID      string         `db:"meter_id" json:"meterId"`
	SerialNumber string         `db:"serial_number" json:"serialNumber"`
	Previous     Classification `db:"previous_classification" json:"previous"`
	Current      Classification `db:"current_classification" json:"current"`
	FlowRate     float64        `db:"flow_rate" json:"flowRate"`
	Cause        AuditCause     `db:"cause" json:"cause"`
	OccurredAt   time.Time      `db:"occurred_at" json:"occurredAt"`
}
