package models

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitesafe/fieldsync/internal/errors"
)

// =====================================================
// Entity
// =====================================================

func TestParseEntity(t *testing.T) {
	tests := []struct {
		in   string
		want EntityType
	}{
		{"Inspection", EntityInspection},
		{"inspection", EntityInspection},
		{"inspections", EntityInspection},
		{"toolbox_talks", EntityToolboxTalk},
		{" ToolboxTalk ", EntityToolboxTalk},
		{"audit_logs", EntityAuditLog},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEntity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseEntity("widgets")
	assert.Error(t, err)
}

func TestEntityType_Table(t *testing.T) {
	assert.Equal(t, "toolbox_talks", EntityToolboxTalk.Table())
	assert.Equal(t, "users", EntityUser.Table())
	assert.True(t, EntityReminder.Valid())
	assert.False(t, EntityType("Widget").Valid())
	assert.Len(t, AllEntities, 9)
}

// =====================================================
// Record
// =====================================================

// TestRecord_JSONFlattensData verifies the payload is flattened next to the
// promoted fields and restored on decode.
func TestRecord_JSONFlattensData(t *testing.T) {
	rec := Record{
		ID:            "local_1700000000000_ab12",
		LocalClientID: "local_1700000000000_ab12",
		Version:       2,
		CreatedAt:     1700000000000,
		UpdatedAt:     1700000000500,
		SiteID:        "site-1",
		Status:        "draft",
		Data:          map[string]any{"severity": 3},
	}

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "site-1", flat["siteId"])
	assert.EqualValues(t, 3, flat["severity"])
	assert.NotContains(t, flat, "Data")

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.LocalClientID, back.LocalClientID)
	assert.Equal(t, rec.Version, back.Version)
	assert.Equal(t, rec.SiteID, back.SiteID)
	assert.Equal(t, rec.Status, back.Status)
	assert.EqualValues(t, 3, back.Data["severity"])
	assert.NotContains(t, back.Data, "siteId")
}

func TestRecord_UnmarshalNullFields(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","siteId":null}`), &rec))
	assert.Equal(t, "x", rec.ID)
	assert.Empty(t, rec.SiteID)
	assert.Nil(t, rec.Data)
}

func TestRecord_Clone(t *testing.T) {
	rec := &Record{ID: "a", Data: map[string]any{"checklist": map[string]any{"ppe": true}}}
	c := rec.Clone()
	c.Data["checklist"].(map[string]any)["ppe"] = false

	assert.Equal(t, true, rec.Data["checklist"].(map[string]any)["ppe"])
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestRecord_Merge(t *testing.T) {
	rec := &Record{ID: "a", Version: 1}
	require.NoError(t, rec.Merge(map[string]any{
		"id":       "ignored",
		"version":  9,
		"siteId":   "site-2",
		"status":   "closed",
		"severity": 4,
	}))

	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "site-2", rec.SiteID)
	assert.Equal(t, "closed", rec.Status)
	assert.Equal(t, 4, rec.Data["severity"])

	require.NoError(t, rec.Merge(map[string]any{"status": nil}))
	assert.Empty(t, rec.Status, "null clears")
}

// TestRecord_MergeRejectsNonStringPromotedFields verifies a bad siteId or
// status fails the whole merge instead of being dropped.
func TestRecord_MergeRejectsNonStringPromotedFields(t *testing.T) {
	for _, fields := range []map[string]any{
		{"siteId": 42, "title": "x"},
		{"status": true, "title": "x"},
		{"status": map[string]any{"v": "open"}},
	} {
		rec := &Record{ID: "a", SiteID: "site-1", Status: "open"}
		err := rec.Merge(fields)
		require.Error(t, err, fields)
		assert.True(t, errors.Is(err, errors.ErrInvalid))
		assert.Equal(t, "site-1", rec.SiteID)
		assert.Equal(t, "open", rec.Status)
		assert.Nil(t, rec.Data, "nothing applied")
	}
}

// =====================================================
// Typed entities
// =====================================================

func TestInspectionFromRecord(t *testing.T) {
	rec := &Record{ID: "insp-1", SiteID: "site-1", Status: "open", Version: 1}
	require.NoError(t, rec.Merge(map[string]any{
		"title":     "Scaffold check",
		"checklist": map[string]any{"ppe": map[string]any{"checked": true}},
	}))

	out, err := InspectionFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "insp-1", out.ID)
	assert.Equal(t, "Scaffold check", out.Title)
	assert.JSONEq(t, `{"ppe":{"checked":true}}`, string(out.Checklist))
	assert.NoError(t, rec.Validate(EntityInspection))
}

func TestInspectionFromRecord_invalid(t *testing.T) {
	for _, data := range []map[string]any{
		{"checklist": "ppe ok"},
		{"checklist": 3.0},
		{"title": 7.0},
	} {
		_, err := InspectionFromRecord(&Record{ID: "insp-1", Data: data})
		assert.True(t, errors.Is(err, errors.ErrInvalid), data)
	}
}

func TestIncidentFromRecord_throughJSON(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(
		`{"id":"inc-1","siteId":"site-1","status":"reported","severity":4,"description":"fall","occurredAt":1700000000000}`,
	), &rec))

	out, err := IncidentFromRecord(&rec)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Severity)
	assert.Equal(t, int64(1700000000000), out.OccurredAt)
	assert.Equal(t, "fall", out.Description)
	assert.Equal(t, "site-1", out.SiteID)
}

func TestIncidentFromRecord_invalid(t *testing.T) {
	for _, data := range []map[string]any{
		{"severity": "high"},
		{"severity": 2.5},
		{"description": []any{"fall"}},
	} {
		rec := &Record{ID: "inc-1", Data: data}
		_, err := IncidentFromRecord(rec)
		assert.True(t, errors.Is(err, errors.ErrInvalid), data)
		assert.Error(t, rec.Validate(EntityIncident))
	}
	assert.NoError(t, (&Record{Data: map[string]any{"severity": "high"}}).Validate(EntityReminder),
		"untyped entities are not checked")
}

// =====================================================
// Queue item and background request
// =====================================================

func TestSyncQueueItem(t *testing.T) {
	item := &SyncQueueItem{ID: "op", Type: OpCreate, Status: QueueFailed, Payload: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, "sync_queue", item.TableName())
	assert.True(t, item.Outstanding())
	assert.True(t, OpDelete.Valid())
	assert.False(t, OperationType("upsert").Valid())

	c := item.Clone()
	c.Payload[2] = 'b'
	assert.Equal(t, `{"a":1}`, string(item.Payload))

	item.Status = QueueProcessing
	assert.False(t, item.Outstanding())
}

func TestBackgroundRequest_Expired(t *testing.T) {
	now := time.Now()
	req := &BackgroundRequest{Method: http.MethodPost, CreatedAt: now.Add(-25 * time.Hour).UnixMilli()}
	assert.True(t, req.Expired(now, 24*time.Hour))

	req.CreatedAt = now.Add(-time.Hour).UnixMilli()
	assert.False(t, req.Expired(now, 24*time.Hour))
}
