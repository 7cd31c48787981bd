package models

import "time"

// Severity classifies how actionable an anomaly finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyRecord is one detector finding over a cleaned batch. It
// references the originating tick by identity fields and never mutates
// it. Records are immutable once created.
type AnomalyRecord struct {
	Detector   string             `json:"detector"`
	Severity   Severity           `json:"severity"`
	ContractID string             `json:"contract_id"`
	ExchangeID string             `json:"exchange_id"`
	SourceTag  string             `json:"source_tag"`
	TickTime   time.Time          `json:"tick_time"`
	Evidence   map[string]float64 `json:"evidence,omitempty"`
	Detected   time.Time          `json:"detected"`
}
