package agentd

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind labels which backend a dispatched task runs on.
type Kind string

const (
	KindMCP    Kind = "mcp"
	KindGUI    Kind = "gui_auto"
	KindPlugin Kind = "plugin"

	// KindPending marks a task accepted over HTTP before classification has
	// chosen its backend.
	KindPending Kind = "pending"
)

// Status is a task's lifecycle state. Terminal states are never left again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one dispatched tool invocation. Retained in memory only.
type Task struct {
	ID          string         `json:"task_id"`
	Kind        Kind           `json:"kind"`
	Character   string         `json:"lanlan_name"`
	Instruction string         `json:"instruction"`
	Params      map[string]any `json:"params,omitempty"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time,omitzero"`
}

// Registry is the Agent process's in-memory task map. Status transitions are
// monotonic: once a task is terminal it never changes again.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Create registers a new queued task and returns its id.
func (r *Registry) Create(kind Kind, character, instruction string, params map[string]any) *Task {
	t := &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Character:   character,
		Instruction: instruction,
		Params:      params,
		Status:      StatusQueued,
		StartTime:   time.Now(),
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return snapshot(t)
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return snapshot(t), true
}

// List returns a snapshot of all tasks, newest first.
func (r *Registry) List() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, snapshot(t))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// Active returns the queued and running tasks owned by character. Used by
// the duplicate check.
func (r *Registry) Active(character string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.Character == character && !t.Status.Terminal() {
			out = append(out, snapshot(t))
		}
	}
	return out
}

// SetKind records the backend chosen for a pending task. No-op on terminal
// tasks.
func (r *Registry) SetKind(id string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && !t.Status.Terminal() {
		t.Kind = kind
	}
}

// MarkRunning moves a queued task to running.
func (r *Registry) MarkRunning(id string) error {
	return r.transition(id, StatusRunning, nil, "")
}

// Complete moves a task to completed with its result.
func (r *Registry) Complete(id string, result any) error {
	return r.transition(id, StatusCompleted, result, "")
}

// Fail moves a task to failed with an error message.
func (r *Registry) Fail(id string, errMsg string) error {
	return r.transition(id, StatusFailed, nil, errMsg)
}

func (r *Registry) transition(id string, to Status, result any, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("agentd: task %q not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("agentd: task %q is already %s", id, t.Status)
	}

	t.Status = to
	if result != nil {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if to.Terminal() {
		t.EndTime = time.Now()
	}
	return nil
}

func snapshot(t *Task) *Task {
	c := *t
	return &c
}
