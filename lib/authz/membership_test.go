package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
)

func TestInvitedActivate(t *testing.T) {
	state, _, err := ApplyTransition(types.MembershipInvited, nil, Transition{Kind: Activate})
	require.NoError(t, err)
	require.Equal(t, types.MembershipActive, state)
}

func TestActiveSuspendAndReinstate(t *testing.T) {
	state, susp, err := ApplyTransition(types.MembershipActive, nil, Transition{Kind: Suspend})
	require.NoError(t, err)
	require.Equal(t, types.MembershipSuspended, state)
	require.NotNil(t, susp)
	require.True(t, susp.Admin)

	state, _, err = ApplyTransition(state, susp, Transition{Kind: Reinstate})
	require.NoError(t, err)
	require.Equal(t, types.MembershipActive, state)
}

func TestBlocklistLiftOnlyValidForBlocklistSource(t *testing.T) {
	_, adminSusp, _ := ApplyTransition(types.MembershipActive, nil, Transition{Kind: Suspend})
	_, err := applyAndErr(types.MembershipSuspended, adminSusp, Transition{Kind: BlocklistLift})
	require.Error(t, err)

	state, blSusp, err := ApplyTransition(types.MembershipActive, nil, Transition{Kind: BlocklistHit, Scope: "org"})
	require.NoError(t, err)
	state, _, err = ApplyTransition(state, blSusp, Transition{Kind: BlocklistLift})
	require.NoError(t, err)
	require.Equal(t, types.MembershipActive, state)
}

func applyAndErr(state types.MembershipState, susp *types.SuspensionSource, t Transition) (types.MembershipState, error) {
	s, _, err := ApplyTransition(state, susp, t)
	return s, err
}

func TestRemovedIsTerminalForAnyTransition(t *testing.T) {
	transitions := []Transition{
		{Kind: Activate}, {Kind: Reinstate}, {Kind: Remove}, {Kind: Expire}, {Kind: BlocklistLift},
	}
	for _, tr := range transitions {
		_, _, err := ApplyTransition(types.MembershipRemoved, nil, tr)
		require.Error(t, err, "removed should be terminal for %+v", tr)
	}
}

func TestReplaceValidFromAnyNonRemovedState(t *testing.T) {
	states := []types.MembershipState{types.MembershipInvited, types.MembershipActive, types.MembershipSuspended}
	for _, s := range states {
		result, _, err := ApplyTransition(s, &types.SuspensionSource{Admin: true}, Transition{Kind: Replace, NewPubKey: "aa"})
		require.NoError(t, err)
		require.Equal(t, types.MembershipRemoved, result)
	}
}
