// Package models provides data model definitions for fieldsync.
package models

import (
	"fmt"
	"strings"
)

// EntityType names a mirrored server entity.
type EntityType string

const (
	EntityUser         EntityType = "User"
	EntitySite         EntityType = "Site"
	EntityInspection   EntityType = "Inspection"
	EntityIncident     EntityType = "Incident"
	EntityToolboxTalk  EntityType = "ToolboxTalk"
	EntityAttachment   EntityType = "Attachment"
	EntityAuditLog     EntityType = "AuditLog"
	EntityNotification EntityType = "Notification"
	EntityReminder     EntityType = "Reminder"
)

// AllEntities lists every mirrored entity type in schema order.
var AllEntities = []EntityType{
	EntityUser,
	EntitySite,
	EntityInspection,
	EntityIncident,
	EntityToolboxTalk,
	EntityAttachment,
	EntityAuditLog,
	EntityNotification,
	EntityReminder,
}

var entityTables = map[EntityType]string{
	EntityUser:         "users",
	EntitySite:         "sites",
	EntityInspection:   "inspections",
	EntityIncident:     "incidents",
	EntityToolboxTalk:  "toolbox_talks",
	EntityAttachment:   "attachments",
	EntityAuditLog:     "audit_logs",
	EntityNotification: "notifications",
	EntityReminder:     "reminders",
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	_, ok := entityTables[e]
	return ok
}

// Table returns the local table name for e. It is also the path segment of
// the entity's REST collection (/api/v1/{table}).
func (e EntityType) Table() string {
	return entityTables[e]
}

func (e EntityType) String() string {
	return string(e)
}

// ParseEntity accepts an entity type name ("ToolboxTalk"), its table name
// ("toolbox_talks"), or a case-insensitive variant of either.
func ParseEntity(s string) (EntityType, error) {
	s = strings.TrimSpace(s)
	for _, e := range AllEntities {
		if strings.EqualFold(s, string(e)) || strings.EqualFold(s, e.Table()) {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity %q", s)
}
