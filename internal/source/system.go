// Package source defines the knowledge systems suggestions come from and the
// searchable sources backing each of them.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSystem is returned when a system name cannot be parsed.
var ErrUnknownSystem = errors.New("unknown system")

// System identifies a connected knowledge system.
type System int

const (
	ServiceNow System = iota + 1
	Jira
	Confluence
	GitHub
	SharePoint
	KnowledgeBase
)

// AllSystems lists every known system in display order.
func AllSystems() []System {
	return []System{ServiceNow, Jira, Confluence, GitHub, SharePoint, KnowledgeBase}
}

func (s System) String() string {
	switch s {
	case ServiceNow:
		return "SERVICENOW"
	case Jira:
		return "JIRA"
	case Confluence:
		return "CONFLUENCE"
	case GitHub:
		return "GITHUB"
	case SharePoint:
		return "SHAREPOINT"
	case KnowledgeBase:
		return "KNOWLEDGE_BASE"
	}
	return fmt.Sprintf("System(%d)", int(s))
}

// Valid reports whether s is one of the known systems.
func (s System) Valid() bool {
	switch s {
	case ServiceNow, Jira, Confluence, GitHub, SharePoint, KnowledgeBase:
		return true
	}
	return false
}

// ParseSystem accepts the canonical upper-case name in any case, with '-' or
// ' ' in place of '_'.
func ParseSystem(name string) (System, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	switch n {
	case "SERVICENOW", "SERVICE_NOW":
		return ServiceNow, nil
	case "JIRA":
		return Jira, nil
	case "CONFLUENCE":
		return Confluence, nil
	case "GITHUB":
		return GitHub, nil
	case "SHAREPOINT", "SHARE_POINT":
		return SharePoint, nil
	case "KNOWLEDGE_BASE", "KB":
		return KnowledgeBase, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSystem, name)
}

// ParseSystems parses every name, failing on the first unknown one.
// Duplicates are collapsed, preserving first-seen order.
func ParseSystems(names []string) ([]System, error) {
	out := make([]System, 0, len(names))
	seen := make(map[System]bool, len(names))
	for _, n := range names {
		s, err := ParseSystem(n)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func (s System) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSystem, int(s))
	}
	return json.Marshal(s.String())
}

func (s *System) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseSystem(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
