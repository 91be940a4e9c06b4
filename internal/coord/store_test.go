package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func status(agent string, ts uint64, state models.AgentState, blockers ...string) models.AgentStatus {
	return models.AgentStatus{
		AgentID:   agent,
		Role:      "backend",
		Status:    state,
		Progress:  float64(ts),
		Blockers:  blockers,
		Timestamp: ts,
	}
}

func TestUpdateAgentStatus_LastWriterWinsByTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		applied, err := s.UpdateAgentStatus(ctx, status("a1", 2, models.AgentDone))
		require.NoError(t, err)
		assert.True(t, applied)

		// older update arrives late
		applied, err = s.UpdateAgentStatus(ctx, status("a1", 1, models.AgentInProgress))
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.AgentStatus(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, models.AgentDone, got.Status)
		assert.Equal(t, uint64(2), got.Timestamp)

		// equal timestamp replaces
		applied, err = s.UpdateAgentStatus(ctx, status("a1", 2, models.AgentFailed))
		require.NoError(t, err)
		assert.True(t, applied)
		got, err = s.AgentStatus(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, models.AgentFailed, got.Status)
	})
}

func TestUpdateAgentStatus_ConcurrentReverseOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for round := 0; round < 20; round++ {
			agent := fmt.Sprintf("agent-%d", round)
			older := status(agent, 1, models.AgentInProgress)
			newer := status(agent, 2, models.AgentDone)

			var wg sync.WaitGroup
			start := make(chan struct{})
			for _, st := range []models.AgentStatus{newer, older} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := s.UpdateAgentStatus(ctx, st)
					assert.NoError(t, err)
				}()
			}
			close(start)
			wg.Wait()

			got, err := s.AgentStatus(ctx, agent)
			require.NoError(t, err)
			assert.Equal(t, models.AgentDone, got.Status, agent)
			assert.Equal(t, uint64(2), got.Timestamp, agent)
		}
	})
}

func TestAgentStatus_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.AgentStatus(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAgentStatuses_RoundTripFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := status("b", 3, models.AgentBlocked, "x", "y")
		st.CurrentTask = "t2"
		st.ToolsUsed = []string{"read_file"}
		_, err := s.UpdateAgentStatus(ctx, st)
		require.NoError(t, err)
		_, err = s.UpdateAgentStatus(ctx, status("a", 1, models.AgentPending))
		require.NoError(t, err)

		all, err := s.AgentStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].AgentID)
		assert.Equal(t, []string{"x", "y"}, all[1].Blockers)
		assert.Equal(t, "t2", all[1].CurrentTask)
		assert.Equal(t, []string{"read_file"}, all[1].ToolsUsed)
		assert.Equal(t, "backend", all[1].Role)
	})
}

func iface(name string, st models.InterfaceStatus, spec string) models.SharedInterface {
	return models.SharedInterface{Name: name, Type: "api", Owner: "agent-backend", Spec: json.RawMessage(spec), Status: st}
}

func TestRegisterInterface_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{"v":1}`)))
		before, err := s.Interface(ctx, "x")
		require.NoError(t, err)
		events, err := s.Events(ctx, 0)
		require.NoError(t, err)

		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{"v":1}`)))
		after, err := s.Interface(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.JSONEq(t, string(before.Spec), string(after.Spec))
		assert.Equal(t, before.Version, after.Version)

		again, err := s.Events(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, again, len(events))
	})
}

func TestRegisterInterface_DraftOverwriteThenFreeze(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceDraft, `{"v":1}`)))
		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceDraft, `{"v":2}`)))

		got, err := s.Interface(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, models.InterfaceDraft, got.Status)
		assert.JSONEq(t, `{"v":2}`, string(got.Spec))
		assert.Equal(t, 2, got.Version)

		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{"v":2}`)))
		err = s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{"v":3}`))
		require.ErrorIs(t, err, ErrInterfaceFrozen)
		var cse *CoordinationStoreError
		assert.False(t, errors.As(err, &cse))

		err = s.RegisterInterface(ctx, iface("x", models.InterfaceDraft, `{"v":2}`))
		require.ErrorIs(t, err, ErrInterfaceFrozen)

		got, err = s.Interface(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, models.InterfaceReady, got.Status)
		assert.JSONEq(t, `{"v":2}`, string(got.Spec))
	})
}

func TestCheckDependenciesAndBlockers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{}`)))
		require.NoError(t, s.RegisterInterface(ctx, iface("y", models.InterfaceDraft, `{}`)))

		deps, err := s.CheckDependencies(ctx, "agent-c", []string{"x", "y", "z"})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"x": true, "y": false, "z": false}, deps)

		_, err = s.UpdateAgentStatus(ctx, status("agent-c", 1, models.AgentBlocked, "x", "y", "z"))
		require.NoError(t, err)
		_, err = s.UpdateAgentStatus(ctx, status("agent-a", 1, models.AgentInProgress))
		require.NoError(t, err)

		blockers, err := s.GetBlockers(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"agent-c": {"y", "z"}}, blockers)

		require.NoError(t, s.RegisterInterface(ctx, iface("y", models.InterfaceReady, `{}`)))
		blockers, err = s.GetBlockers(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"agent-c": {"z"}}, blockers)

		sum, err := s.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Interfaces[models.InterfaceReady])
		assert.Equal(t, 1, sum.Agents[models.AgentBlocked])
		assert.Equal(t, 1, sum.BlockedAgents)
	})
}

func TestAddConsumer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.ErrorIs(t, s.AddConsumer(ctx, "x", "agent-b"), ErrNotFound)

		require.NoError(t, s.RegisterInterface(ctx, iface("x", models.InterfaceReady, `{}`)))
		require.NoError(t, s.AddConsumer(ctx, "x", "agent-c"))
		require.NoError(t, s.AddConsumer(ctx, "x", "agent-b"))
		require.NoError(t, s.AddConsumer(ctx, "x", "agent-b"))

		got, err := s.Interface(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"agent-b", "agent-c"}, got.Consumers)
		assert.Equal(t, models.InterfaceReady, got.Status)
	})
}

func TestGlobalsAndEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Global(ctx, "run")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetGlobal(ctx, "run", json.RawMessage(`{"id":"r1"}`)))
		v, err := s.Global(ctx, "run")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"r1"}`, string(v))

		_, err = s.UpdateAgentStatus(ctx, status("a", 1, models.AgentPending))
		require.NoError(t, err)

		events, err := s.Events(ctx, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, EventGlobal, events[0].Kind)
		assert.Equal(t, EventAgentStatus, events[1].Kind)

		tail, err := s.Events(ctx, events[0].Seq)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, "a", tail[0].Key)
	})
}

func TestSubscribe(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ch, cancel := s.Subscribe()
		defer cancel()

		_, err := s.UpdateAgentStatus(ctx, status("a", 1, models.AgentPending))
		require.NoError(t, err)
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("no change notification")
		}

		// ignored writes do not signal
		_, err = s.UpdateAgentStatus(ctx, status("a", 0, models.AgentPending))
		require.NoError(t, err)
		select {
		case <-ch:
			t.Fatal("unexpected notification for ignored write")
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.UpdateAgentStatus(context.Background(), status("a", 1, models.AgentPending))
		var cse *CoordinationStoreError
		require.ErrorAs(t, err, &cse)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Equal(t, "update_agent_status", cse.Op)
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.UpdateAgentStatus(context.Background(), status("a", 5, models.AgentDone))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.AgentStatus(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Timestamp)
	assert.Equal(t, path, s.Path())
}

func TestOpen(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}

func TestBeginRun_ScopesStateToRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		reset, err := s.BeginRun(ctx, "run-1")
		require.NoError(t, err)
		assert.True(t, reset)

		_, err = s.UpdateAgentStatus(ctx, status("agent-backend", 3, models.AgentDone))
		require.NoError(t, err)
		require.NoError(t, s.RegisterInterface(ctx, models.SharedInterface{Name: "x", Owner: "agent-backend", Status: models.InterfaceReady}))
		require.NoError(t, s.SetGlobal(ctx, "run", json.RawMessage(`{"id":"run-1"}`)))

		// same run again keeps everything
		reset, err = s.BeginRun(ctx, "run-1")
		require.NoError(t, err)
		assert.False(t, reset)
		deps, err := s.CheckDependencies(ctx, "agent-frontend", []string{"x"})
		require.NoError(t, err)
		assert.True(t, deps["x"])

		reset, err = s.BeginRun(ctx, "run-2")
		require.NoError(t, err)
		assert.True(t, reset)
		id, err := s.RunID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-2", id)

		deps, err = s.CheckDependencies(ctx, "agent-frontend", []string{"x"})
		require.NoError(t, err)
		assert.False(t, deps["x"])
		_, err = s.AgentStatus(ctx, "agent-backend")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Global(ctx, "run")
		assert.ErrorIs(t, err, ErrNotFound)

		// the new run starts its clock over and may draft the same name
		applied, err := s.UpdateAgentStatus(ctx, status("agent-backend", 1, models.AgentInProgress))
		require.NoError(t, err)
		assert.True(t, applied)
		require.NoError(t, s.RegisterInterface(ctx, models.SharedInterface{Name: "x", Owner: "agent-backend", Status: models.InterfaceDraft, Spec: json.RawMessage(`{"v":2}`)}))

		events, err := s.Events(ctx, 0)
		require.NoError(t, err)
		var runs []string
		for _, e := range events {
			if e.Kind == EventRun {
				runs = append(runs, e.Key)
			}
		}
		assert.Equal(t, []string{"run-1", "run-2"}, runs)
	})
}

func TestBeginRun_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.BeginRun(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.RegisterInterface(ctx, models.SharedInterface{Name: "x", Status: models.InterfaceReady}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	reset, err := s.BeginRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, reset)
	_, err = s.Interface(ctx, "x")
	require.NoError(t, err)

	_, err = s.BeginRun(ctx, "")
	assert.Error(t, err)
}
