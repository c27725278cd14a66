package models

import (
	"encoding/json"

	"github.com/sitesafe/fieldsync/internal/errors"
)

// Inspection is a site safety inspection.
type Inspection struct {
	ID          string          `json:"id"`
	SiteID      string          `json:"siteId"`
	Status      string          `json:"status"`
	InspectorID string          `json:"inspectorId,omitempty"`
	Title       string          `json:"title,omitempty"`
	Checklist   json.RawMessage `json:"checklist,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// InspectionFromRecord decodes a generic record into an Inspection. The
// checklist must be a JSON object or array; text fields must be strings.
func InspectionFromRecord(r *Record) (*Inspection, error) {
	i := &Inspection{
		ID:        r.ID,
		SiteID:    r.SiteID,
		Status:    r.Status,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	var err error
	if i.InspectorID, err = optionalString(r.Data, "inspectorId"); err != nil {
		return nil, err
	}
	if i.Title, err = optionalString(r.Data, "title"); err != nil {
		return nil, err
	}
	if i.Notes, err = optionalString(r.Data, "notes"); err != nil {
		return nil, err
	}

	switch checklist := r.Data["checklist"].(type) {
	case nil:
	case map[string]any, []any:
		b, err := json.Marshal(checklist)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "encode checklist", err)
		}
		i.Checklist = b
	default:
		return nil, errors.New(errors.ErrInvalid, "checklist must be an object or a list")
	}
	return i, nil
}

func optionalString(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.New(errors.ErrInvalid, key+" must be a string")
	}
	return s, nil
}
