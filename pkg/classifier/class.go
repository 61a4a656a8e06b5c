// Package classifier implements a bagged decision-tree ensemble for labeling
// audit events as benign or as one of the known attack categories.
package classifier

import "fmt"

// Class is a threat category. Normal must stay at index 0: ties in the
// ensemble vote break toward the lowest index, and the decision layer
// treats Normal as the non-alerting outcome.
type Class int

const (
	Normal Class = iota
	PrivilegeEscalation
	DataExfiltration
	Reconnaissance
	CredentialCompromise

	NumClasses = 5
)

var classNames = [NumClasses]string{
	"normal",
	"privilege_escalation",
	"data_exfiltration",
	"reconnaissance",
	"credential_compromise",
}

func (c Class) String() string {
	if c < 0 || int(c) >= NumClasses {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// ParseClass maps a label string back to its Class.
func ParseClass(s string) (Class, error) {
	for i, name := range classNames {
		if name == s {
			return Class(i), nil
		}
	}
	return 0, fmt.Errorf("classifier: unknown class %q", s)
}

// ClassNames returns all labels in index order.
func ClassNames() []string {
	out := make([]string, NumClasses)
	copy(out, classNames[:])
	return out
}
