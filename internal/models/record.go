package models

import (
	"encoding/json"
	"time"

	"github.com/sitesafe/fieldsync/internal/errors"
)

// Record is a mirrored entity row.
//
// ID holds the server identifier once the row has synced, or a local
// identifier (local_<millis>_<random>) before. SiteID and Status are promoted
// out of the payload so they can be filtered on; everything else
// entity-specific lives in Data.
type Record struct {
	ID            string         `db:"id"`
	LocalClientID string         `db:"local_client_id"`
	Version       int            `db:"version"`
	CreatedAt     int64          `db:"created_at"` // unix millis
	UpdatedAt     int64          `db:"updated_at"` // unix millis
	SiteID        string         `db:"site_id"`
	Status        string         `db:"status"`
	Data          map[string]any `db:"data"`
}

// reserved JSON keys promoted onto Record fields.
const (
	keyID            = "id"
	keyLocalClientID = "localClientId"
	keyVersion       = "version"
	keyCreatedAt     = "createdAt"
	keyUpdatedAt     = "updatedAt"
	keySiteID        = "siteId"
	keyStatus        = "status"
)

// MarshalJSON flattens Data next to the promoted fields, producing the
// object shape the remote API expects.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+7)
	for k, v := range r.Data {
		out[k] = v
	}
	out[keyID] = r.ID
	out[keyVersion] = r.Version
	out[keyCreatedAt] = r.CreatedAt
	out[keyUpdatedAt] = r.UpdatedAt
	if r.LocalClientID != "" {
		out[keyLocalClientID] = r.LocalClientID
	}
	if r.SiteID != "" {
		out[keySiteID] = r.SiteID
	}
	if r.Status != "" {
		out[keyStatus] = r.Status
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. Unknown keys land in Data.
func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*r = Record{}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		return json.Unmarshal(v, dst)
	}

	for key, dst := range map[string]any{
		keyID:            &r.ID,
		keyLocalClientID: &r.LocalClientID,
		keyVersion:       &r.Version,
		keyCreatedAt:     &r.CreatedAt,
		keyUpdatedAt:     &r.UpdatedAt,
		keySiteID:        &r.SiteID,
		keyStatus:        &r.Status,
	} {
		if err := take(key, dst); err != nil {
			return err
		}
	}

	if len(raw) > 0 {
		r.Data = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			r.Data[k] = val
		}
	}
	return nil
}

// Clone returns a deep copy of r. Data is copied through JSON so nested maps
// are not shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err == nil {
			var data map[string]any
			if json.Unmarshal(b, &data) == nil {
				c.Data = data
			}
		}
	}
	return &c
}

// Merge overlays fields onto Data, promoting reserved keys onto the record.
// The id is never changed by a merge. siteId and status must be strings, or
// null to clear them; otherwise nothing is applied and ErrInvalid returned.
func (r *Record) Merge(fields map[string]any) error {
	for _, k := range []string{keySiteID, keyStatus} {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		if _, isString := v.(string); !isString {
			return errors.New(errors.ErrInvalid, k+" must be a string")
		}
	}

	for k, v := range fields {
		switch k {
		case keyID, keyVersion, keyCreatedAt, keyUpdatedAt, keyLocalClientID:
			continue
		case keySiteID:
			r.SiteID, _ = v.(string)
		case keyStatus:
			r.Status, _ = v.(string)
		default:
			if r.Data == nil {
				r.Data = make(map[string]any)
			}
			r.Data[k] = v
		}
	}
	return nil
}

// Validate checks the entity-specific payload of r by decoding it into the
// typed model where one exists.
func (r *Record) Validate(entity EntityType) error {
	var err error
	switch entity {
	case EntityInspection:
		_, err = InspectionFromRecord(r)
	case EntityIncident:
		_, err = IncidentFromRecord(r)
	}
	return err
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Touch stamps UpdatedAt with the current time.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UnixMilli()
}
