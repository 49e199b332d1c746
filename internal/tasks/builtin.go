// Package tasks holds the tasks every worker and coordinator registers.
// A job names one of these and carries its JSON arguments.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archipelago-go/archipelago/internal/job"
)

var builtins = map[string]job.Task{
	"echo":      Echo,
	"sleep":     Sleep,
	"whoami":    WhoAmI,
	"wordcount": WordCount,
	"grep":      Grep,
}

func init() {
	for name, task := range builtins {
		job.MustRegister(name, task)
	}
}

// RegisterAll adds the built-in tasks to r.
func RegisterAll(r *job.Registry) error {
	for name, task := range builtins {
		if err := r.Register(name, task); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its arguments.
func Echo(_ context.Context, _ job.Env, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

type SleepArgs struct {
	Duration string `json:"duration"`
}

// Sleep waits for the given duration or until the job is cancelled.
func Sleep(ctx context.Context, _ job.Env, raw json.RawMessage) (any, error) {
	var args SleepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid sleep args: %w", err)
	}
	d, err := time.ParseDuration(args.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return args.Duration, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WhoAmI reports the environment the job ran in.
func WhoAmI(_ context.Context, env job.Env, _ json.RawMessage) (any, error) {
	return env, nil
}
