// Package uuid generates the identifiers used by the local store and the
// sync queue: UUID v4 for operations and captured requests, and local ids
// (local_<millis>_<random>) for records created before their first sync.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalPrefix marks an id that has not been assigned by the server.
const LocalPrefix = "local_"

var (
	uuidV4Regex  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	localIDRegex = regexp.MustCompile(`^local_[0-9]+_[0-9a-z]+$`)
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocalID generates a local record id stamped with now.
func NewLocalID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return LocalPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + random
}

// IsLocalID reports whether id was generated by NewLocalID.
func IsLocalID(id string) bool {
	return localIDRegex.MatchString(id)
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
