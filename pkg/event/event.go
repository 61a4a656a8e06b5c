// Package event defines the normalized audit event consumed by the
// behavioral feature engine, plus the action category tables used for
// event-intrinsic features.
package event

import (
	"strings"
	"time"
)

// NormalizedEvent is one control-plane activity record (API call or login),
// produced by the upstream ingestion/normalization step. Immutable once
// created.
type NormalizedEvent struct {
	EventID   string    `json:"event_id"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Source    string    `json:"source"` // service name, e.g. "iam.amazonaws.com"
	Origin    string    `json:"origin"` // source network address
	ErrorCode string    `json:"error_code,omitempty"`
	ReadOnly  bool      `json:"read_only"`
	MFAUsed   bool      `json:"mfa_used"`
}

// Failed reports whether the recorded outcome was a failure.
func (e NormalizedEvent) Failed() bool {
	return e.ErrorCode != ""
}

// ActionCategory buckets actions by their security relevance. Actions not in
// any table fall into CategoryOther, so novel but benign actions never fail
// feature computation.
type ActionCategory int

const (
	CategoryOther ActionCategory = iota
	CategoryPrivileged
	CategoryDataAccess
	CategoryReconnaissance
)

func (c ActionCategory) String() string {
	switch c {
	case CategoryPrivileged:
		return "privileged"
	case CategoryDataAccess:
		return "data_access"
	case CategoryReconnaissance:
		return "reconnaissance"
	default:
		return "other"
	}
}

// Actions that grant or extend privileges.
var privilegedActions = map[string]bool{
	"AttachUserPolicy": true,
	"AttachRolePolicy": true,
	"PutUserPolicy":    true,
	"PutRolePolicy":    true,
	"AddUserToGroup":   true,
	"CreateAccessKey":  true,
	"CreateUser":       true,
	"AssumeRole":       true,
}

// Actions that read or copy stored data in bulk.
var dataAccessActions = map[string]bool{
	"GetObject":          true,
	"CopyObject":         true,
	"DownloadDBSnapshot": true,
	"CreateSnapshot":     true,
}

// Actions typical of environment enumeration.
var reconActions = map[string]bool{
	"DescribeInstances":      true,
	"ListBuckets":            true,
	"DescribeSecurityGroups": true,
	"GetAccountSummary":      true,
}

// Categorize returns the security category of an action. Unknown actions map
// to CategoryOther.
func Categorize(action string) ActionCategory {
	switch {
	case privilegedActions[action]:
		return CategoryPrivileged
	case dataAccessActions[action]:
		return CategoryDataAccess
	case reconActions[action]:
		return CategoryReconnaissance
	default:
		return CategoryOther
	}
}

// KnownAction reports whether the action appears in any category table.
// Unknown actions are recovered (CategoryOther) but counted as a data
// quality signal by the pipeline.
func KnownAction(action string) bool {
	return privilegedActions[action] || dataAccessActions[action] || reconActions[action]
}

// IsIAMSource reports whether the source service is the identity service.
func IsIAMSource(source string) bool {
	return strings.Contains(strings.ToLower(source), "iam")
}

var internalOriginMarkers = []string{"aws", "amazonaws", "cloudfront"}

// IsInternalOrigin reports whether the origin address names a provider
// internal service rather than an external network address.
func IsInternalOrigin(origin string) bool {
	lower := strings.ToLower(origin)
	for _, marker := range internalOriginMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
