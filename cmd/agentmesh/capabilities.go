package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/capability"
	"github.com/agentmesh/agentmesh/workflow"
)

// Built-in utility capabilities, enough to run definitions end to end
// without any external service.

// newEchoAdapter mirrors its inputs back as outputs. Absent inputs are
// dropped rather than echoed.
func newEchoAdapter() capability.Adapter {
	return capability.NewFuncAdapter("echo", 5*time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			out := make(map[string]any, len(inv.Inputs))
			for k, v := range inv.Inputs {
				if workflow.IsAbsent(v) {
					continue
				}
				out[k] = v
			}
			return out, nil
		})
}

// newTemplateAdapter renders its "template" input, replacing {{name}}
// placeholders with the step's other inputs, and returns the result as
// "rendered".
func newTemplateAdapter() capability.Adapter {
	return capability.NewFuncAdapter("template", 5*time.Second,
		func(_ context.Context, inv capability.Invocation) (map[string]any, error) {
			raw, ok := inv.Inputs["template"]
			if !ok || workflow.IsAbsent(raw) {
				return nil, capability.NewInvalidInputError("template input is required")
			}
			tmpl, ok := raw.(string)
			if !ok {
				return nil, capability.NewInvalidInputError("template input must be a string")
			}

			rendered := tmpl
			for k, v := range inv.Inputs {
				if k == "template" || workflow.IsAbsent(v) {
					continue
				}
				rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", fmt.Sprint(v))
			}
			return map[string]any{"rendered": rendered}, nil
		})
}

// newSleepAdapter waits for its "duration" input. Useful for exercising
// timeouts and cancellation against real definitions.
func newSleepAdapter() capability.Adapter {
	return capability.NewFuncAdapter("sleep", time.Minute,
		func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
			raw, ok := inv.Inputs["duration"].(string)
			if !ok {
				return nil, capability.NewInvalidInputError("duration input must be a string like \"500ms\"")
			}
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, capability.NewInvalidInputError(fmt.Sprintf("bad duration %q: %v", raw, err))
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"slept": raw}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
}
