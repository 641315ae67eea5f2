package ptyactor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	types "github.com/gravitational/teleport/api/types"
	"github.com/crabcity/crabcity/lib/fanout"
)

func spawnTestActor(t *testing.T, command string) (*Actor, *fanout.Fabric) {
	t.Helper()
	fab := fanout.NewFabric()
	fab.RegisterInstance("inst-1", "/tmp", time.Now(), false, nil)

	a, err := Spawn(context.Background(), Config{
		ID:      "inst-1",
		Name:    "test",
		Command: command,
		Fabric:  fab,
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a, fab
}

func TestActorWriteInputEchoesThroughOutputBroadcast(t *testing.T) {
	a, fab := spawnTestActor(t, "cat")
	recv := fab.SubscribeOutput("inst-1")
	require.NotNil(t, recv)

	require.NoError(t, a.WriteInput([]byte("hello\n")))

	found := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !found {
		result := recv.Next()
		if result.Status == fanout.StatusOK && len(result.Event.Data) > 0 {
			found = true
		}
	}
	require.True(t, found, "expected echoed output on the broadcast channel")
}

func TestActorGetInfoReflectsConfig(t *testing.T) {
	a, _ := spawnTestActor(t, "cat")
	info, err := a.GetInfo()
	require.NoError(t, err)
	require.Equal(t, types.InstanceID("inst-1"), info.ID)
	require.Equal(t, "test", info.Name)
	require.True(t, info.Running)
}

func TestActorSetCustomNameAndSessionID(t *testing.T) {
	a, _ := spawnTestActor(t, "cat")
	require.NoError(t, a.SetCustomName("renamed"))
	require.NoError(t, a.SetSessionID("session-123"))

	info, err := a.GetInfo()
	require.NoError(t, err)
	require.Equal(t, "renamed", info.DisplayName)
	require.Equal(t, "session-123", info.SessionID)
}

func TestActorStopMarksNotRunningAndRejectsWrites(t *testing.T) {
	a, _ := spawnTestActor(t, "cat")
	require.NoError(t, a.Stop())

	err := a.WriteInput([]byte("x"))
	require.Error(t, err)
}

func TestActorUpdateViewportRecomputesDims(t *testing.T) {
	a, _ := spawnTestActor(t, "cat")
	err := a.UpdateViewport(types.Viewport{
		ConnectionID: "c1",
		Rows:         40,
		Cols:         120,
		ClientKind:   types.ClientKindWeb,
		Active:       true,
	})
	require.NoError(t, err)

	rows, cols := a.vt.Dims()
	require.Equal(t, 40, rows)
	require.Equal(t, 120, cols)
}

func TestActorRemoveClientDropsViewport(t *testing.T) {
	a, _ := spawnTestActor(t, "cat")
	require.NoError(t, a.UpdateViewport(types.Viewport{
		ConnectionID: "c1", Rows: 10, Cols: 30, Active: true,
	}))
	require.NoError(t, a.RemoveClient("c1"))

	rows, cols := a.vt.Dims()
	require.Equal(t, 10, rows)
	require.Equal(t, 30, cols)
}
