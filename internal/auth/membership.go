package auth

import (
	"context"
	"sort"
	"strings"
)

// Wildcard as a member ID admits every authenticated user to a tenant.
const Wildcard = "*"

// TenantConfig lists the members of one tenant.
type TenantConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// StaticMembership answers membership from configuration.
type StaticMembership struct {
	members map[string]map[string]bool
}

// NewStaticMembership indexes the configured tenants.
func NewStaticMembership(tenants []TenantConfig) *StaticMembership {
	m := &StaticMembership{members: make(map[string]map[string]bool, len(tenants))}
	for _, tenant := range tenants {
		id := strings.TrimSpace(tenant.ID)
		if id == "" {
			continue
		}
		set := m.members[id]
		if set == nil {
			set = map[string]bool{}
			m.members[id] = set
		}
		for _, member := range tenant.Members {
			if member = strings.TrimSpace(member); member != "" {
				set[member] = true
			}
		}
	}
	return m
}

// IsMember reports whether userID belongs to tenantID.
func (m *StaticMembership) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	set, ok := m.members[tenantID]
	if !ok || userID == "" {
		return false, nil
	}
	return set[userID] || set[Wildcard], nil
}

// Tenants lists configured tenant IDs.
func (m *StaticMembership) Tenants() []string {
	out := make([]string, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
