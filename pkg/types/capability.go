package types

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a single permission a role can grant inside a session.
type Capability uint8

const (
	CapView Capability = 1 << iota
	CapEdit
	CapComment
	CapChat
)

var capabilityNames = map[Capability]string{
	CapView:    "view",
	CapEdit:    "edit",
	CapComment: "comment",
	CapChat:    "chat",
}

// String returns the config name of a single capability.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// ParseCapability maps a config name to a Capability.
func ParseCapability(name string) (Capability, error) {
	for c, n := range capabilityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
}

// CapabilitySet is a bitmask of capabilities.
type CapabilitySet uint8

// NewCapabilitySet builds a set from individual capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// Names lists the capability names in the set, sorted.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for c, n := range capabilityNames {
		if s.Has(c) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Role names with built-in capability sets.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// RoleTable maps role names to capability sets.
// FUNCTIONAL DISCOVERY: Lease eligibility used to be a bare role == "editor"
// check; the table keeps that default while letting deployments add roles
type RoleTable map[string]CapabilitySet

// DefaultRoleTable returns the built-in role mapping.
func DefaultRoleTable() RoleTable {
	full := NewCapabilitySet(CapView, CapEdit, CapComment, CapChat)
	return RoleTable{
		RoleOwner:  full,
		RoleEditor: full,
		RoleViewer: NewCapabilitySet(CapView, CapComment, CapChat),
	}
}

// ParseRoleTable converts a role -> capability-name mapping, as read from
// configuration, into a RoleTable.
func ParseRoleTable(raw map[string][]string) (RoleTable, error) {
	table := make(RoleTable, len(raw))
	for role, names := range raw {
		var set CapabilitySet
		for _, name := range names {
			c, err := ParseCapability(name)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role, err)
			}
			set |= CapabilitySet(c)
		}
		table[strings.ToLower(role)] = set
	}
	return table, nil
}

// Capabilities resolves a role. Unknown roles may only view.
func (t RoleTable) Capabilities(role string) CapabilitySet {
	if set, ok := t[strings.ToLower(role)]; ok {
		return set
	}
	return NewCapabilitySet(CapView)
}
