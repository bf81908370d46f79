package models

import (
	"encoding/json"
	"time"
)

// Severity is the tier attached to a discharge report.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Report is an industrial discharge report. The list is append-mostly and
// never mutated locally.
type Report struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UnmarshalJSON accepts both "id" and the Mongo-style "_id".
func (r *Report) UnmarshalJSON(data []byte) error {
	type plain Report
	aux := struct {
		*plain
		MongoID string `json:"_id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = aux.MongoID
	}
	return nil
}

// DischargeFilter narrows GET /api/discharge/events.
type DischargeFilter struct {
	From     time.Time
	To       time.Time
	Severity Severity
}
