package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownTask is returned when a job names a task that was never registered.
var ErrUnknownTask = errors.New("unknown task")

// Task is the code a job runs on a worker. Both the root node and the
// workers register tasks under the same names; only the name and the
// arguments travel over the wire.
type Task func(ctx context.Context, env Env, args json.RawMessage) (any, error)

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(name string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task already registered: %s", name)
	}
	r.tasks[name] = task
	return nil
}

func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, exists := r.tasks[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return task, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Default is the registry used by the worker and coordinator binaries.
var Default = NewRegistry()

func Register(name string, task Task) error {
	return Default.Register(name, task)
}

func MustRegister(name string, task Task) {
	if err := Default.Register(name, task); err != nil {
		panic(err)
	}
}
