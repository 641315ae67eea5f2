package authz

import (
	"github.com/gravitational/trace"

	types "github.com/gravitational/teleport/api/types"
)

// Transition is one membership FSM transition (spec.md §4.6, extended per
// original_source/packages/crab_city_auth/src/membership.rs with Replace
// and blocklist-gated BlocklistLift).
type Transition struct {
	Kind      TransitionKind
	Reason    string
	Scope     string // for BlocklistHit / Blocklist-sourced Suspend
	NewPubKey string // for Replace
}

type TransitionKind int

const (
	Activate TransitionKind = iota
	Suspend
	Reinstate
	Remove
	Expire
	BlocklistHit
	BlocklistLift
	Replace
)

// ApplyTransition applies t to the current (state, suspension) pair and
// returns the resulting state and suspension source, or a trace.BadParameter
// error naming the invalid transition. Removed is always terminal.
func ApplyTransition(state types.MembershipState, suspension *types.SuspensionSource, t Transition) (types.MembershipState, *types.SuspensionSource, error) {
	if state == types.MembershipRemoved {
		return state, suspension, trace.BadParameter("removed is a terminal state")
	}

	switch state {
	case types.MembershipInvited:
		switch t.Kind {
		case Activate:
			return types.MembershipActive, nil, nil
		case Expire, Replace:
			return types.MembershipRemoved, nil, nil
		}
	case types.MembershipActive:
		switch t.Kind {
		case Suspend:
			if t.Scope != "" {
				return types.MembershipSuspended, &types.SuspensionSource{Blocklist: true, Scope: t.Scope}, nil
			}
			return types.MembershipSuspended, &types.SuspensionSource{Admin: true}, nil
		case BlocklistHit:
			return types.MembershipSuspended, &types.SuspensionSource{Blocklist: true, Scope: t.Scope}, nil
		case Remove, Replace:
			return types.MembershipRemoved, nil, nil
		}
	case types.MembershipSuspended:
		switch t.Kind {
		case Reinstate:
			return types.MembershipActive, nil, nil
		case BlocklistLift:
			if suspension != nil && suspension.Blocklist {
				return types.MembershipActive, nil, nil
			}
			return state, suspension, trace.BadParameter("blocklist lift only applies to blocklist-sourced suspensions")
		case Remove, Replace:
			return types.MembershipRemoved, nil, nil
		}
	}

	return state, suspension, trace.BadParameter("transition not valid from state %s", state)
}
