package event

import (
	"testing"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		action string
		want   ActionCategory
	}{
		{"AttachUserPolicy", CategoryPrivileged},
		{"AssumeRole", CategoryPrivileged},
		{"GetObject", CategoryDataAccess},
		{"DownloadDBSnapshot", CategoryDataAccess},
		{"DescribeInstances", CategoryReconnaissance},
		{"ListBuckets", CategoryReconnaissance},
		{"PutObject", CategoryOther},
		{"SomeBrandNewAction", CategoryOther},
		{"", CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := Categorize(tt.action); got != tt.want {
				t.Errorf("Categorize(%q) = %v, want %v", tt.action, got, tt.want)
			}
		})
	}
}

func TestKnownAction(t *testing.T) {
	if !KnownAction("CreateAccessKey") {
		t.Error("CreateAccessKey should be a known action")
	}
	if KnownAction("TotallyNovelCall") {
		t.Error("TotallyNovelCall should not be a known action")
	}
}

func TestIsInternalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"ec2.amazonaws.com", true},
		{"AWS Internal", true},
		{"cloudfront.amazonaws.com", true},
		{"203.0.113.45", false},
		{"10.0.0.1", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsInternalOrigin(tt.origin); got != tt.want {
			t.Errorf("IsInternalOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestFailed(t *testing.T) {
	ev := NormalizedEvent{ErrorCode: "AccessDenied"}
	if !ev.Failed() {
		t.Error("event with error code should be failed")
	}
	if (NormalizedEvent{}).Failed() {
		t.Error("event without error code should not be failed")
	}
}

func TestIsIAMSource(t *testing.T) {
	if !IsIAMSource("iam.amazonaws.com") {
		t.Error("iam.amazonaws.com should be an IAM source")
	}
	if IsIAMSource("s3.amazonaws.com") {
		t.Error("s3.amazonaws.com should not be an IAM source")
	}
}
