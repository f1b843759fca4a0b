// Package policy decides whether a principal may perform an action on a
// maintenance request. It performs no I/O.
package policy

import (
	"makerspace/internal/domain"
)

type Reason string

const (
	ReasonAllowed         Reason = "ALLOWED"
	ReasonUnauthenticated Reason = "UNAUTHENTICATED"
	ReasonForbidden       Reason = "FORBIDDEN"
)

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision { return Decision{Allowed: true, Reason: ReasonAllowed} }

func deny(r Reason) Decision { return Decision{Reason: r} }

// Decide evaluates the rules top-down; the first match wins. A nil principal
// is unauthenticated. target is consulted only for DELETE_REQUEST.
func Decide(p *domain.Principal, action domain.Action, target *domain.Request) Decision {
	if p == nil || p.UserID == "" {
		return deny(ReasonUnauthenticated)
	}
	switch action {
	case domain.ActionCreateRequest:
		return allow()
	case domain.ActionDeleteRequest:
		if target == nil {
			return deny(ReasonForbidden)
		}
		if p.UserID == target.OwnerID || p.IsManager() {
			return allow()
		}
	case domain.ActionListAllRequests:
		if p.IsManager() {
			return allow()
		}
	case domain.ActionListOwnRequests:
		return allow()
	}
	return deny(ReasonForbidden)
}
