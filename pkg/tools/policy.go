package tools

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maruntime/maruntime/pkg/observability"
)

// Quota is the per-session execution policy for one tool.
type Quota struct {
	// MaxCalls caps ok-status invocations over the session lifetime;
	// 0 means unlimited.
	MaxCalls        int `json:"max_calls" mapstructure:"max_calls"`
	TimeoutSeconds  int `json:"timeout" mapstructure:"timeout"`
	CooldownSeconds int `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

const defaultTimeoutSeconds = 30

func (q Quota) timeout() time.Duration {
	if q.TimeoutSeconds <= 0 {
		return defaultTimeoutSeconds * time.Second
	}
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// Usage is the session's accumulated call history for one tool, read from
// the context snapshot.
type Usage struct {
	Calls    int
	LastCall time.Time
}

// ExecuteWithPolicy enforces quota and cooldown before invoking, then runs
// the tool under its deadline. Quota and cooldown violations return a
// synthetic error result without invoking the tool. The returned error is
// non-nil only when the tool implementation itself failed, so the caller can
// count it against the instance.
func ExecuteWithPolicy(ctx context.Context, tool Tool, ec *ExecContext, args map[string]any, quota Quota, usage Usage) (*Result, error) {
	name := tool.Name()

	if quota.MaxCalls > 0 && usage.Calls >= quota.MaxCalls {
		return &Result{Status: StatusError, Error: "quota_exceeded", ToolName: name}, nil
	}
	if quota.CooldownSeconds > 0 && !usage.LastCall.IsZero() {
		elapsed := time.Since(usage.LastCall)
		if elapsed < time.Duration(quota.CooldownSeconds)*time.Second {
			return &Result{Status: StatusError, Error: "cooldown", ToolName: name}, nil
		}
	}

	tracer := observability.GetTracer("maruntime.tools")
	ctx, span := tracer.Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, quota.timeout())
	defer cancel()

	start := time.Now()
	result, err := runTool(runCtx, tool, ec, args)
	duration := time.Since(start)
	observability.GetGlobalMetrics().RecordToolExecution(ctx, name, duration, err)

	if result == nil {
		result = &Result{Status: StatusError, Error: "tool returned no result"}
	}
	result.ToolName = name
	result.Duration = duration
	return result, err
}

// runTool invokes the tool in a goroutine so a deadline can interrupt tools
// that ignore their context.
func runTool(ctx context.Context, tool Tool, ec *ExecContext, args map[string]any) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := tool.Execute(ctx, ec, args)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &Result{Status: StatusTimeout, Error: "timeout"}, nil
		}
		return &Result{Status: StatusError, Error: ctx.Err().Error()}, nil
	case out := <-done:
		if out.err != nil {
			msg := out.err.Error()
			return &Result{Status: StatusError, Error: msg}, out.err
		}
		return out.result, nil
	}
}
