// Package task defines the unit of work the queue dispatches and the
// workers execute: a Task with an ordered Action list, a monotonic state
// machine, and progress reporting. It is a direct port of the original
// source's SendorTask / SendorActionContext, adapted to Go's explicit
// error returns and context.Context cancellation instead of exceptions
// and a multiprocessing.Event cancel flag.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// State is a task's position in its state machine.
type State int

const (
	NotStarted State = iota
	Started
	Completed
	Failed
	Canceled
)

// String returns the lowercase wire form used in ProgressSnapshot.State,
// matching the original's string_state().
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Started:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown_state(%d)", int(s))
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Canceled
}

// Action is a single step of a task's action sequence. Run must check
// ctx.Err() before doing anything that can't be cheaply undone, so that
// cooperative cancellation between actions works; it is not expected to
// abort mid-block-I/O.
type Action interface {
	Run(ctx context.Context, actx *ActionContext) error

	// Weight is the action's completion_weight, used for weighted
	// progress aggregation across a task's action list. The minimum
	// contract (each action reports its own 0..1 ratio via
	// ActionContext.CompletionRatio) is always honored regardless of
	// Weight.
	Weight() int
}

// ActionContext is the per-task collaborator passed to every action.
type ActionContext struct {
	workDir string

	mu  sync.Mutex
	kv  map[string]interface{}
	set func(activity string, ratio *float64, logLine string)
}

// NewActionContext builds an ActionContext backed by workDir, with
// activity/ratio/log updates routed through report (which may be called
// concurrently by multiple goroutines, e.g. the parallel transfer
// engine's chunk workers reporting completion ratio).
func NewActionContext(workDir string, report func(activity string, ratio *float64, logLine string)) *ActionContext {
	return &ActionContext{
		workDir: workDir,
		kv:      make(map[string]interface{}),
		set:     report,
	}
}

// WorkDir is the task's scratch directory, guaranteed empty at task start
// and removed on exit.
func (a *ActionContext) WorkDir() string { return a.workDir }

// TranslatePath substitutes the literal placeholder "{task_work_directory}"
// with the task's work directory.
func (a *ActionContext) TranslatePath(p string) string {
	if a.workDir == "" {
		return p
	}
	return strings.ReplaceAll(p, "{task_work_directory}", a.workDir)
}

// Activity reports a short human-readable status string.
func (a *ActionContext) Activity(s string) { a.set(s, nil, "") }

// CompletionRatio reports an action's own progress in [0,1].
func (a *ActionContext) CompletionRatio(r float64) { a.set("", &r, "") }

// Log appends a line to the task's log.
func (a *ActionContext) Log(s string) { a.set("", nil, s) }

// Set stores a hint in the per-task key/value bag (e.g.
// "file_up_to_date_on_target").
func (a *ActionContext) Set(key string, v interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kv[key] = v
}

// Get retrieves a hint from the per-task key/value bag.
func (a *ActionContext) Get(key string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.kv[key]
	return v, ok
}

// ProgressSnapshot is the task progress object emitted to subscribers and
// (ultimately, outside this package's scope) the HTTP layer.
type ProgressSnapshot struct {
	TaskID          int64
	Description     string
	EnqueueTime     time.Time
	Duration        string
	State           string
	Activity        string
	CompletionRatio float64
	Cancelable      bool
	Log             string
}

// Task is a queued unit of work.
type Task struct {
	ID          int64
	WorkDir     string
	Description string
	Actions     []Action

	mu              sync.Mutex
	state           State
	enqueueTime     time.Time
	startTime       time.Time
	endTime         time.Time
	completionRatio float64
	activity        string
	log             strings.Builder
	cancelable      bool
}

// New returns a task in state NotStarted, not yet enqueued.
func New(description string, actions []Action) *Task {
	return &Task{Description: description, Actions: actions}
}

// Enqueued assigns the task its queue identity. Called exactly once, by
// the queue, at admission time.
func (t *Task) Enqueued(id int64, workDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ID = id
	t.WorkDir = workDir
	t.enqueueTime = time.Now().UTC()
	t.cancelable = true
}

func (t *Task) Started() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Started
	t.startTime = time.Now().UTC()
}

func (t *Task) Completed() { t.finish(Completed) }
func (t *Task) Failed()    { t.finish(Failed) }
func (t *Task) Canceled()  { t.finish(Canceled) }

func (t *Task) finish(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.endTime = time.Now().UTC()
	t.cancelable = false
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancelable reports whether the task may still be canceled.
func (t *Task) Cancelable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelable
}

func (t *Task) SetActivity(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activity = s
}

func (t *Task) SetCompletionRatio(r float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completionRatio = r
}

func (t *Task) AppendLog(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.WriteString(s)
	t.log.WriteByte('\n')
}

// ActionContext returns an ActionContext wired to this task's activity,
// completion-ratio, and log setters.
func (t *Task) ActionContext() *ActionContext {
	return NewActionContext(t.WorkDir, func(activity string, ratio *float64, logLine string) {
		if activity != "" {
			t.SetActivity(activity)
		}
		if ratio != nil {
			t.SetCompletionRatio(*ratio)
		}
		if logLine != "" {
			t.AppendLog(logLine)
		}
	})
}

// Run executes the task's action list sequentially. Between actions (not
// mid-action) it checks ctx for cancellation, matching the cooperative
// cancellation model of spec.md §5: a cancel request is honored at the
// next action boundary, never in the middle of one. A panicking action is
// recovered and converted into an error carrying a stack trace, matching
// the original's bare "except:" around the whole action loop.
func (t *Task) Run(ctx context.Context, actx *ActionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v\n%s", r, debug.Stack())
		}
	}()
	for _, act := range t.Actions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := act.Run(ctx, actx); err != nil {
			return err
		}
	}
	return nil
}

// Progress renders the task's current ProgressSnapshot.
func (t *Task) Progress() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var duration string
	if !t.startTime.IsZero() {
		end := t.endTime
		if end.IsZero() {
			end = time.Now().UTC()
		}
		duration = formatDuration(end.Sub(t.startTime))
	}

	return ProgressSnapshot{
		TaskID:          t.ID,
		Description:     t.Description,
		EnqueueTime:     t.enqueueTime,
		Duration:        duration,
		State:           t.state.String(),
		Activity:        t.activity,
		CompletionRatio: t.completionRatio,
		Cancelable:      t.cancelable,
		Log:             t.log.String(),
	}
}

// formatDuration renders d as "[d days, ][h hours, ][m minutes, ]s seconds",
// a direct port of the original's format_timedelta.
func formatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	seconds := total % 60
	days := total / (3600 * 24)
	hours := (total / 3600) % 24
	minutes := (total / 60) % 60

	result := fmt.Sprintf("%d seconds", seconds)
	if minutes > 0 {
		result = fmt.Sprintf("%d minutes, %s", minutes, result)
	}
	if hours > 0 {
		result = fmt.Sprintf("%d hours, %s", hours, result)
	}
	if days > 0 {
		result = fmt.Sprintf("%d days, %s", days, result)
	}
	return result
}
