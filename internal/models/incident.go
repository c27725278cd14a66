package models

import (
	"math"

	"github.com/sitesafe/fieldsync/internal/errors"
)

// Incident is a reported jobsite incident.
type Incident struct {
	ID          string `json:"id"`
	SiteID      string `json:"siteId"`
	Status      string `json:"status"`
	ReporterID  string `json:"reporterId,omitempty"`
	Severity    int    `json:"severity"`
	Description string `json:"description,omitempty"`
	OccurredAt  int64  `json:"occurredAt,omitempty"`
	Version     int    `json:"version"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// IncidentFromRecord decodes a generic record into an Incident. severity and
// occurredAt must be whole numbers.
func IncidentFromRecord(r *Record) (*Incident, error) {
	i := &Incident{
		ID:        r.ID,
		SiteID:    r.SiteID,
		Status:    r.Status,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	var err error
	if i.ReporterID, err = optionalString(r.Data, "reporterId"); err != nil {
		return nil, err
	}
	if i.Description, err = optionalString(r.Data, "description"); err != nil {
		return nil, err
	}
	severity, err := optionalInt(r.Data, "severity")
	if err != nil {
		return nil, err
	}
	i.Severity = int(severity)
	if i.OccurredAt, err = optionalInt(r.Data, "occurredAt"); err != nil {
		return nil, err
	}
	return i, nil
}

// optionalInt accepts the numeric shapes a JSON round trip can leave behind.
func optionalInt(data map[string]any, key string) (int64, error) {
	switch n := data[key].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), nil
		}
	}
	return 0, errors.New(errors.ErrInvalid, key+" must be a whole number")
}
