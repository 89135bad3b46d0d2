package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

const keySeparator = ":"

var ErrInvalidKey = errors.New("invalid key")

// TriggerKey identifies a trigger cluster-wide. It is the key of the shared map.
type TriggerKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// JobKey identifies the work a trigger invokes. Many triggers may share one job.
type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func NewTriggerKey(name, group string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}
	return TriggerKey{Name: name, Group: group}
}

func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = DefaultGroup
	}
	return JobKey{Name: name, Group: group}
}

// String returns the canonical "group:name" form used as the map key.
func (k TriggerKey) String() string {
	return k.Group + keySeparator + k.Name
}

func (k TriggerKey) IsZero() bool {
	return k.Name == "" && k.Group == ""
}

// Less orders keys by group, then name.
func (k TriggerKey) Less(other TriggerKey) bool {
	if k.Group != other.Group {
		return k.Group < other.Group
	}
	return k.Name < other.Name
}

func (k TriggerKey) Validate() error {
	return validateKey(k.Name, k.Group)
}

func (k JobKey) String() string {
	return k.Group + keySeparator + k.Name
}

func (k JobKey) IsZero() bool {
	return k.Name == "" && k.Group == ""
}

func (k JobKey) Validate() error {
	return validateKey(k.Name, k.Group)
}

// ParseTriggerKey parses the canonical "group:name" form.
// The group may not contain the separator; the name may.
func ParseTriggerKey(s string) (TriggerKey, error) {
	group, name, ok := strings.Cut(s, keySeparator)
	if !ok {
		return TriggerKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := TriggerKey{Name: name, Group: group}
	if err := k.Validate(); err != nil {
		return TriggerKey{}, err
	}
	return k, nil
}

// ParseJobKey parses the canonical "group:name" form.
func ParseJobKey(s string) (JobKey, error) {
	group, name, ok := strings.Cut(s, keySeparator)
	if !ok {
		return JobKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := JobKey{Name: name, Group: group}
	if err := k.Validate(); err != nil {
		return JobKey{}, err
	}
	return k, nil
}

func validateKey(name, group string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidKey)
	case group == "":
		return fmt.Errorf("%w: group is required", ErrInvalidKey)
	case strings.Contains(group, keySeparator):
		return fmt.Errorf("%w: group %q must not contain %q", ErrInvalidKey, group, keySeparator)
	}
	return nil
}
