package jobboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

// DefaultStaleAfter is how long an assigned or in-progress task may sit
// without completing before ReleaseStale considers it abandoned.
const DefaultStaleAfter = 24 * time.Hour

// Board is the transactional task lifecycle: create, claim, update,
// complete, with dependency gating. A task is available only while open
// with every dependency done; exactly one concurrent claimer wins it.
type Board struct {
	store      *store.Store
	clock      *clock.Clock
	staleAfter time.Duration
	logger     zerolog.Logger
}

// Options tunes the board.
type Options struct {
	StaleAfter time.Duration
}

// New creates a board over the store.
func New(st *store.Store, clk *clock.Clock, opts Options) *Board {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Board{
		store:      st,
		clock:      clk,
		staleAfter: opts.StaleAfter,
		logger:     log.WithComponent("jobboard"),
	}
}

// TaskSpec carries the fields Create accepts. An empty ID gets a
// generated one; priority 0 takes the default.
type TaskSpec struct {
	ID           string
	Title        string
	Description  string
	Priority     int
	Dependencies []string
	CreatedBy    string
}

// Create inserts an open task with its first history entry and returns
// the task ID.
func (b *Board) Create(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = clock.NewID()
	}
	if spec.Priority == 0 {
		spec.Priority = types.PriorityDefault
	}
	if spec.Title == "" {
		return "", fmt.Errorf("%w: missing title", errdefs.ErrInvalidTask)
	}
	if spec.Description == "" {
		return "", fmt.Errorf("%w: missing description", errdefs.ErrInvalidTask)
	}
	if spec.Priority < types.PriorityMin || spec.Priority > types.PriorityMax {
		return "", fmt.Errorf("%w: priority %d out of range", errdefs.ErrInvalidTask, spec.Priority)
	}
	for _, dep := range spec.Dependencies {
		if dep == spec.ID {
			return "", fmt.Errorf("%w: task depends on itself", errdefs.ErrInvalidTask)
		}
	}

	now := b.clock.Now()
	deps, err := json.Marshal(append([]string{}, spec.Dependencies...))
	if err != nil {
		return "", fmt.Errorf("failed to encode dependencies: %w", err)
	}
	history, err := json.Marshal([]types.TaskEvent{{
		Timestamp: now,
		Event:     "created",
		Agent:     spec.CreatedBy,
	}})
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}

	err = b.store.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (task_id, title, description, priority, status,
			                   created_at, dependencies, history)
			VALUES (?, ?, ?, ?, 'open', ?, ?, ?)`,
			spec.ID, spec.Title, spec.Description, spec.Priority,
			clock.Format(now), string(deps), string(history))
		if err != nil {
			return err
		}
		return audit.Append(tx, now, spec.CreatedBy, audit.KindTaskCreate, map[string]any{
			"task_id":      spec.ID,
			"title":        spec.Title,
			"priority":     spec.Priority,
			"dependencies": spec.Dependencies,
		})
	})
	if err != nil {
		return "", err
	}

	b.logger.Info().Str("task_id", spec.ID).Str("title", spec.Title).Msg("task created")
	return spec.ID, nil
}

// Get returns one task by ID.
func (b *Board) Get(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		got, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		task = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	return &task, nil
}

// Available returns open tasks whose dependencies are all done, best
// first. Blocked tasks never appear; they surface again only after
// moving back to in-progress and completing their block. The agent
// filter mirrors the contract surface; open tasks carry no assignee, so
// it only matters to callers replaying history.
func (b *Board) Available(ctx context.Context, agent string) ([]types.Task, error) {
	var available []types.Task
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		statuses, err := taskStatuses(tx)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, title, description, priority, status, assignee,
			       created_at, started_at, completed_at, dependencies, history,
			       result, error
			FROM tasks
			WHERE status = 'open'
			ORDER BY priority DESC, created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			if agent != "" && task.Assignee != "" && task.Assignee != agent {
				continue
			}
			if unmet(task.Dependencies, statuses) == nil {
				available = append(available, task)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list available tasks: %w", err)
	}
	return available, nil
}

// Claim atomically assigns an open task to the agent. Succeeds only
// while the task is open with every dependency done; losers of the race
// get ErrAlreadyClaimed, gated tasks a DependenciesUnmetError naming the
// unfinished dependencies.
func (b *Board) Claim(ctx context.Context, agent, taskID string) (*types.Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: empty agent id", errdefs.ErrInvalidAgent)
	}

	now := b.clock.Now()
	var claimed types.Task
	err := b.store.Update(ctx, func(tx *sql.Tx) error {
		task, err := getTask(tx, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
		}
		if err != nil {
			return err
		}
		if task.Status != types.TaskOpen {
			return fmt.Errorf("%w: task %s is %s", errdefs.ErrAlreadyClaimed, taskID, task.Status)
		}

		statuses, err := taskStatuses(tx)
		if err != nil {
			return err
		}
		if missing := unmet(task.Dependencies, statuses); missing != nil {
			return &errdefs.DependenciesUnmetError{TaskID: taskID, Missing: missing}
		}

		task.Status = types.TaskAssigned
		task.Assignee = agent
		task.StartedAt = now
		task.History = append(task.History, types.TaskEvent{
			Timestamp: now,
			Event:     "claimed",
			Agent:     agent,
		})
		if err := saveTask(tx, &task); err != nil {
			return err
		}
		claimed = task

		return audit.Append(tx, now, agent, audit.KindTaskClaim, map[string]string{
			"task_id": taskID,
		})
	})
	if err != nil {
		metrics.TaskClaims.WithLabelValues("lost").Inc()
		return nil, err
	}

	metrics.TaskClaims.WithLabelValues("won").Inc()
	b.logger.Info().Str("task_id", taskID).Str("agent_id", agent).Msg("task claimed")
	return &claimed, nil
}

// Update moves a task along the permitted transitions: assigned to
// in-progress, in-progress to blocked, blocked to in-progress. Blocking
// clears the assignee; unblocking makes the mover the assignee.
func (b *Board) Update(ctx context.Context, agent, taskID string, status types.TaskStatus, note string) error {
	now := b.clock.Now()
	return b.store.Update(ctx, func(tx *sql.Tx) error {
		task, err := getTask(tx, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
		}
		if err != nil {
			return err
		}

		switch {
		case task.Status == types.TaskAssigned && status == types.TaskInProgress:
			// keep assignee
		case task.Status == types.TaskInProgress && status == types.TaskBlocked:
			task.Assignee = ""
		case task.Status == types.TaskBlocked && status == types.TaskInProgress:
			task.Assignee = agent
		default:
			return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, task.Status, status)
		}

		task.Status = status
		task.History = append(task.History, types.TaskEvent{
			Timestamp: now,
			Event:     string(status),
			Agent:     agent,
			Note:      note,
		})
		if err := saveTask(tx, &task); err != nil {
			return err
		}
		return audit.Append(tx, now, agent, audit.KindTaskUpdate, map[string]string{
			"task_id": taskID,
			"status":  string(status),
		})
	})
}

// Complete finishes an in-progress task: done with a result summary, or
// failed with an error. Completion releases dependents passively; they
// simply show up in the next Available.
func (b *Board) Complete(ctx context.Context, agent, taskID, result, errMsg string) error {
	now := b.clock.Now()
	err := b.store.Update(ctx, func(tx *sql.Tx) error {
		task, err := getTask(tx, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", errdefs.ErrNotFound, taskID)
		}
		if err != nil {
			return err
		}
		if task.Status != types.TaskInProgress && task.Status != types.TaskAssigned {
			return fmt.Errorf("%w: cannot complete task in %s", errdefs.ErrInvalidTransition, task.Status)
		}

		task.CompletedAt = now
		if errMsg == "" {
			task.Status = types.TaskDone
			task.Result = result
		} else {
			task.Status = types.TaskFailed
			task.Error = errMsg
		}
		task.History = append(task.History, types.TaskEvent{
			Timestamp: now,
			Event:     string(task.Status),
			Agent:     agent,
			Note:      result + errMsg,
		})
		if err := saveTask(tx, &task); err != nil {
			return err
		}
		return audit.Append(tx, now, agent, audit.KindTaskComplete, map[string]string{
			"task_id": taskID,
			"status":  string(task.Status),
		})
	})
	if err != nil {
		return err
	}
	b.logger.Info().Str("task_id", taskID).Str("agent_id", agent).Msg("task completed")
	return nil
}

// ReleaseStale returns abandoned tasks to the board: assigned or
// in-progress tasks whose work started longer ago than the threshold go
// back to open with the assignee cleared. An operator invocation, never
// automatic. Returns the released task IDs.
func (b *Board) ReleaseStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = b.staleAfter
	}
	now := b.clock.Now()
	cutoff := clock.Format(now.Add(-threshold))

	var released []string
	err := b.store.Update(ctx, func(tx *sql.Tx) error {
		released = nil
		rows, err := tx.Query(`
			SELECT task_id, title, description, priority, status, assignee,
			       created_at, started_at, completed_at, dependencies, history,
			       result, error
			FROM tasks
			WHERE status IN ('assigned', 'in-progress')
			  AND started_at IS NOT NULL AND started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		stale, err := collectTasks(rows)
		if err != nil {
			return err
		}

		for i := range stale {
			task := &stale[i]
			holder := task.Assignee
			task.Status = types.TaskOpen
			task.Assignee = ""
			task.StartedAt = time.Time{}
			task.History = append(task.History, types.TaskEvent{
				Timestamp: now,
				Event:     "released",
				Note:      fmt.Sprintf("stale: no progress from %s since %s", holder, clock.Format(task.CreatedAt)),
			})
			if err := saveTask(tx, task); err != nil {
				return err
			}
			if err := audit.Append(tx, now, "operator", audit.KindTaskRelease, map[string]string{
				"task_id":  task.ID,
				"assignee": holder,
			}); err != nil {
				return err
			}
			released = append(released, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		b.logger.Warn().Strs("task_ids", released).Msg("released stale tasks")
	}
	return released, nil
}

// List returns tasks, optionally filtered by status, newest first.
func (b *Board) List(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT task_id, title, description, priority, status, assignee,
		       created_at, started_at, completed_at, dependencies, history,
		       result, error
		FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var tasks []types.Task
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// unmet returns the dependencies not yet done, nil when all are.
// A dependency missing from the board counts as unmet.
func unmet(deps []string, statuses map[string]types.TaskStatus) []string {
	var missing []string
	for _, dep := range deps {
		if statuses[dep] != types.TaskDone {
			missing = append(missing, dep)
		}
	}
	return missing
}

func taskStatuses(tx *sql.Tx) (map[string]types.TaskStatus, error) {
	rows, err := tx.Query(`SELECT task_id, status FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]types.TaskStatus)
	for rows.Next() {
		var (
			id     string
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = types.TaskStatus(status)
	}
	return statuses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getTask(tx *sql.Tx, id string) (types.Task, error) {
	return scanTask(tx.QueryRow(`
		SELECT task_id, title, description, priority, status, assignee,
		       created_at, started_at, completed_at, dependencies, history,
		       result, error
		FROM tasks WHERE task_id = ?`, id))
}

func scanTask(row rowScanner) (types.Task, error) {
	var (
		task                     types.Task
		assignee, result, errCol sql.NullString
		created                  string
		started, completed       sql.NullString
		deps, history            string
	)
	err := row.Scan(&task.ID, &task.Title, &task.Description, &task.Priority,
		&task.Status, &assignee, &created, &started, &completed,
		&deps, &history, &result, &errCol)
	if err != nil {
		return task, err
	}
	task.Assignee = assignee.String
	task.Result = result.String
	task.Error = errCol.String

	if task.CreatedAt, err = clock.Parse(created); err != nil {
		return task, fmt.Errorf("bad created_at: %w", err)
	}
	if task.StartedAt, err = store.ParseTime(started); err != nil {
		return task, fmt.Errorf("bad started_at: %w", err)
	}
	if task.CompletedAt, err = store.ParseTime(completed); err != nil {
		return task, fmt.Errorf("bad completed_at: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &task.Dependencies); err != nil {
		return task, fmt.Errorf("bad dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &task.History); err != nil {
		return task, fmt.Errorf("bad history: %w", err)
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]types.Task, error) {
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func saveTask(tx *sql.Tx, task *types.Task) error {
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	history, err := json.Marshal(task.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE tasks SET
			title = ?, description = ?, priority = ?, status = ?, assignee = ?,
			started_at = ?, completed_at = ?, dependencies = ?, history = ?,
			result = ?, error = ?
		WHERE task_id = ?`,
		task.Title, task.Description, task.Priority, string(task.Status),
		store.NullString(task.Assignee), store.NullTime(task.StartedAt),
		store.NullTime(task.CompletedAt), string(deps), string(history),
		store.NullString(task.Result), store.NullString(task.Error), task.ID)
	return err
}
