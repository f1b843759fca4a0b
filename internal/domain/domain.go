package domain

import (
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusOpen Status = "OPEN"
	// StatusClosed is reserved; no current operation produces it.
	StatusClosed Status = "CLOSED"
)

// Request is a maintenance ticket.
type Request struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    Status    `json:"status" enum:"OPEN,CLOSED"`
}

// Less orders requests by created_at, then id.
func Less(a, b Request) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortRequests sorts in place using Less.
func SortRequests(items []Request) {
	sort.Slice(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

type Role string

const (
	RoleUser    Role = "USER"
	RoleManager Role = "MANAGER"
)

// ParseRole normalizes a role tag. Unknown tags are kept upper-cased so that
// future capabilities pass through verifiers untouched.
func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		set[r] = struct{}{}
	}
	return set
}

// RolesFromStrings builds a RoleSet from raw claim values.
func RolesFromStrings(raw []string) RoleSet {
	roles := make([]Role, 0, len(raw))
	for _, r := range raw {
		roles = append(roles, ParseRole(r))
	}
	return NewRoleSet(roles...)
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Strings returns the roles sorted.
func (s RoleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}

// Principal is the verified identity behind one HTTP request.
type Principal struct {
	UserID string
	Roles  RoleSet
}

// HasRole reports whether p holds role. USER is implicit for any principal.
func (p Principal) HasRole(role Role) bool {
	if role == RoleUser {
		return p.UserID != ""
	}
	return p.Roles.Has(role)
}

func (p Principal) IsManager() bool { return p.HasRole(RoleManager) }

type Action string

const (
	ActionCreateRequest   Action = "CREATE_REQUEST"
	ActionDeleteRequest   Action = "DELETE_REQUEST"
	ActionListAllRequests Action = "LIST_ALL_REQUESTS"
	ActionListOwnRequests Action = "LIST_OWN_REQUESTS"
)

// Event is an entry of the request journal.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}
