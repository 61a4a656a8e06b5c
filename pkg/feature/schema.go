// Package feature turns normalized events plus entity history into the
// fixed-schema numeric vectors consumed by both models.
package feature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Feature names, in frozen schema order. This order is identical for
// training and scoring; any drift between the two is fatal.
const (
	FeatHourOfDay        = "hour_of_day"
	FeatDayOfWeek        = "day_of_week"
	FeatIsWeekend        = "is_weekend"
	FeatIsBusinessHours  = "is_business_hours"
	FeatRecencyGap       = "time_since_last_activity"
	FeatAPICalls         = "user_api_calls"
	FeatUniqueServices   = "user_unique_services"
	FeatFailedCalls      = "user_failed_calls"
	FeatUniqueIPs        = "user_unique_ips"
	FeatIsError          = "is_error"
	FeatIsWrite          = "is_write_operation"
	FeatMFAUsed          = "mfa_used"
	FeatIsIAM            = "is_iam_event"
	FeatIsPrivileged     = "is_privileged_event"
	FeatIsDataAccess     = "is_data_access"
	FeatIsReconnaissance = "is_reconnaissance"
	FeatIsInternalOrigin = "is_internal_origin"
)

// Vector is one fixed-length feature tuple in schema order.
type Vector []float64

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	cp := make(Vector, len(v))
	copy(cp, v)
	return cp
}

// Schema is the ordered list of feature names shared by the feature engine
// and both models.
type Schema struct {
	names []string
	index map[string]int
	hash  string
}

// NewSchema builds a schema from an ordered name list.
func NewSchema(names []string) *Schema {
	s := &Schema{
		names: append([]string(nil), names...),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		s.index[n] = i
	}
	sum := sha256.Sum256([]byte(strings.Join(s.names, "\n")))
	s.hash = hex.EncodeToString(sum[:])
	return s
}

// DefaultSchema returns the frozen production schema.
func DefaultSchema() *Schema {
	return NewSchema([]string{
		FeatHourOfDay,
		FeatDayOfWeek,
		FeatIsWeekend,
		FeatIsBusinessHours,
		FeatRecencyGap,
		FeatAPICalls,
		FeatUniqueServices,
		FeatFailedCalls,
		FeatUniqueIPs,
		FeatIsError,
		FeatIsWrite,
		FeatMFAUsed,
		FeatIsIAM,
		FeatIsPrivileged,
		FeatIsDataAccess,
		FeatIsReconnaissance,
		FeatIsInternalOrigin,
	})
}

// Names returns the feature names in schema order.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of features.
func (s *Schema) Len() int { return len(s.names) }

// Index returns the position of a named feature, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Hash returns the SHA-256 of the ordered name list. It is stored alongside
// every trained model and verified on import.
func (s *Schema) Hash() string { return s.hash }

// SchemaMismatchError signals that a loaded model was trained against a
// different feature schema. Processing must halt; features are never
// silently reordered or padded.
type SchemaMismatchError struct {
	Want string
	Got  string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch: engine %s, model %s", short(e.Want), short(e.Got))
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// CheckHash verifies a stored schema hash against the engine schema.
func (s *Schema) CheckHash(stored string) error {
	if stored != s.hash {
		return &SchemaMismatchError{Want: s.hash, Got: stored}
	}
	return nil
}
