package jobboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

type fixture struct {
	board *Board
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	clk := clock.New()
	clk.NowFunc = func() time.Time { return f.now }
	f.board = New(st, clk, Options{})
	return f
}

func (f *fixture) create(t *testing.T, spec TaskSpec) string {
	t.Helper()
	if spec.Title == "" {
		spec.Title = "task"
	}
	if spec.Description == "" {
		spec.Description = "does things"
	}
	if spec.CreatedBy == "" {
		spec.CreatedBy = "planner"
	}
	id, err := f.board.Create(context.Background(), spec)
	require.NoError(t, err)
	return id
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec TaskSpec
		want error
	}{
		{"missing title", TaskSpec{Description: "d"}, errdefs.ErrInvalidTask},
		{"missing description", TaskSpec{Title: "t"}, errdefs.ErrInvalidTask},
		{"priority out of range", TaskSpec{Title: "t", Description: "d", Priority: 42}, errdefs.ErrInvalidTask},
		{"self dependency", TaskSpec{ID: "t1", Title: "t", Description: "d", Dependencies: []string{"t1"}}, errdefs.ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.board.Create(ctx, tt.spec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateDefaultsAndHistory(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, TaskSpec{Title: "build auth", Description: "JWT login", CreatedBy: "planner"})

	task, err := f.board.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskOpen, task.Status)
	assert.Equal(t, types.PriorityDefault, task.Priority)
	assert.Empty(t, task.Assignee)
	assert.Empty(t, task.Dependencies)
	require.Len(t, task.History, 1)
	assert.Equal(t, "created", task.History[0].Event)
	assert.Equal(t, "planner", task.History[0].Agent)
}

func TestGetMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.board.Get(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

// TestDependencyGating walks the scenario where a schema task gates an API
// task: the dependent is invisible and unclaimable until the dependency
// completes, then becomes available without any explicit release step.
func TestDependencyGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	schema := f.create(t, TaskSpec{Title: "design schema", Description: "tables for auth"})
	api := f.create(t, TaskSpec{Title: "build API", Description: "REST on top of the schema",
		Dependencies: []string{schema}})

	// Only the ungated task is available.
	available, err := f.board.Available(ctx, "")
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, schema, available[0].ID)

	// Claiming the gated task names what is missing.
	_, err = f.board.Claim(ctx, "backend", api)
	du, ok := errdefs.IsDependenciesUnmet(err)
	require.True(t, ok, "expected DependenciesUnmetError, got %v", err)
	assert.Equal(t, api, du.TaskID)
	assert.Equal(t, []string{schema}, du.Missing)

	// Work the dependency to done.
	_, err = f.board.Claim(ctx, "dba", schema)
	require.NoError(t, err)
	require.NoError(t, f.board.Complete(ctx, "dba", schema, "schema ready", ""))

	// The dependent surfaces passively.
	available, err = f.board.Available(ctx, "")
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, api, available[0].ID)

	task, err := f.board.Claim(ctx, "backend", api)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, "backend", task.Assignee)
}

// A failed dependency does not unlock its dependents.
func TestFailedDependencyKeepsGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep := f.create(t, TaskSpec{Title: "dep", Description: "d"})
	gated := f.create(t, TaskSpec{Title: "gated", Description: "d", Dependencies: []string{dep}})

	_, err := f.board.Claim(ctx, "worker", dep)
	require.NoError(t, err)
	require.NoError(t, f.board.Complete(ctx, "worker", dep, "", "ran out of disk"))

	_, err = f.board.Claim(ctx, "worker", gated)
	_, ok := errdefs.IsDependenciesUnmet(err)
	assert.True(t, ok, "failed dependency must still gate, got %v", err)
}

// A dependency on a task nobody ever created gates forever.
func TestUnknownDependencyGates(t *testing.T) {
	f := newFixture(t)
	gated := f.create(t, TaskSpec{Title: "gated", Description: "d", Dependencies: []string{"ghost"}})

	_, err := f.board.Claim(context.Background(), "worker", gated)
	du, ok := errdefs.IsDependenciesUnmet(err)
	require.True(t, ok)
	assert.Equal(t, []string{"ghost"}, du.Missing)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, TaskSpec{Title: "contested", Description: "d"})

	agents := []string{"a", "b", "c"}
	type outcome struct {
		agent string
		err   error
	}
	results := make(chan outcome, len(agents))
	for _, agent := range agents {
		go func(agent string) {
			_, err := f.board.Claim(ctx, agent, id)
			results <- outcome{agent, err}
		}(agent)
	}

	var winner string
	wins := 0
	for range agents {
		r := <-results
		if r.err == nil {
			wins++
			winner = r.agent
		} else {
			assert.ErrorIs(t, r.err, errdefs.ErrAlreadyClaimed)
		}
	}
	require.Equal(t, 1, wins)

	task, err := f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner, task.Assignee)
	assert.Equal(t, types.TaskAssigned, task.Status)
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.board.Claim(ctx, "", "whatever")
	assert.ErrorIs(t, err, errdefs.ErrInvalidAgent)

	_, err = f.board.Claim(ctx, "worker", "no-such-task")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, TaskSpec{Title: "t", Description: "d"})

	_, err := f.board.Claim(ctx, "worker", id)
	require.NoError(t, err)

	// assigned -> in-progress keeps the assignee.
	require.NoError(t, f.board.Update(ctx, "worker", id, types.TaskInProgress, "starting"))
	task, err := f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker", task.Assignee)

	// in-progress -> blocked clears it.
	require.NoError(t, f.board.Update(ctx, "worker", id, types.TaskBlocked, "waiting on review"))
	task, err = f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, task.Assignee)

	// Blocked tasks never count as available.
	available, err := f.board.Available(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, available)

	// blocked -> in-progress makes the mover the assignee.
	require.NoError(t, f.board.Update(ctx, "rescuer", id, types.TaskInProgress, "unblocked"))
	task, err = f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rescuer", task.Assignee)

	require.NoError(t, f.board.Complete(ctx, "rescuer", id, "shipped", ""))
	task, err = f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, task.Status)
	assert.Equal(t, "shipped", task.Result)
	assert.False(t, task.CompletedAt.IsZero())

	// Full history in order.
	var events []string
	for _, ev := range task.History {
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{"created", "claimed", "in-progress", "blocked", "in-progress", "done"}, events)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, TaskSpec{Title: "t", Description: "d"})

	// open -> in-progress skips the claim.
	err := f.board.Update(ctx, "worker", id, types.TaskInProgress, "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	// Completing an open task.
	err = f.board.Complete(ctx, "worker", id, "r", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	_, err = f.board.Claim(ctx, "worker", id)
	require.NoError(t, err)

	// assigned -> blocked without passing through in-progress.
	err = f.board.Update(ctx, "worker", id, types.TaskBlocked, "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	require.NoError(t, f.board.Complete(ctx, "worker", id, "done straight from assigned", ""))

	// Terminal states reject further movement.
	err = f.board.Complete(ctx, "worker", id, "again", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	err = f.board.Update(ctx, "worker", id, types.TaskInProgress, "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestCompleteFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, TaskSpec{Title: "t", Description: "d"})

	_, err := f.board.Claim(ctx, "worker", id)
	require.NoError(t, err)
	require.NoError(t, f.board.Complete(ctx, "worker", id, "", "compile error"))

	task, err := f.board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "compile error", task.Error)
}

func TestAvailableOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := f.create(t, TaskSpec{Title: "low", Description: "d", Priority: 2})
	f.now = f.now.Add(time.Second)
	high := f.create(t, TaskSpec{Title: "high", Description: "d", Priority: 9})
	f.now = f.now.Add(time.Second)
	alsoHigh := f.create(t, TaskSpec{Title: "also high", Description: "d", Priority: 9})

	available, err := f.board.Available(ctx, "")
	require.NoError(t, err)
	require.Len(t, available, 3)
	assert.Equal(t, high, available[0].ID)
	assert.Equal(t, alsoHigh, available[1].ID)
	assert.Equal(t, low, available[2].ID)
}

func TestReleaseStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.create(t, TaskSpec{Title: "stale", Description: "d"})
	fresh := f.create(t, TaskSpec{Title: "fresh", Description: "d"})

	_, err := f.board.Claim(ctx, "worker-1", stale)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	_, err = f.board.Claim(ctx, "worker-2", fresh)
	require.NoError(t, err)

	released, err := f.board.ReleaseStale(ctx, 0) // 0 falls back to the 24h default
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, released)

	task, err := f.board.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, types.TaskOpen, task.Status)
	assert.Empty(t, task.Assignee)
	assert.True(t, task.StartedAt.IsZero())
	assert.Equal(t, "released", task.History[len(task.History)-1].Event)

	// The fresh claim is untouched and the stale one is claimable again.
	task, err = f.board.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", task.Assignee)

	_, err = f.board.Claim(ctx, "worker-3", stale)
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, TaskSpec{Title: "a", Description: "d"})
	f.create(t, TaskSpec{Title: "b", Description: "d"})

	_, err := f.board.Claim(ctx, "worker", a)
	require.NoError(t, err)

	all, err := f.board.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.board.List(ctx, types.TaskOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].Title)
}
