package tool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
)

// Dispatcher executes model tool calls against the registry with a per-call
// timeout and bounded retries for transient failures.
type Dispatcher struct {
	registry    *Registry
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
	logger      *slog.Logger
}

// NewDispatcher builds a dispatcher from agent configuration.
func NewDispatcher(registry *Registry, cfg *config.AgentConfig) *Dispatcher {
	maxAttempts := cfg.ToolMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		registry:    registry,
		timeout:     cfg.ToolTimeout.Std(),
		maxAttempts: maxAttempts,
		backoff:     cfg.ToolRetryBackoff.Std(),
		sleep:       time.Sleep,
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

// Dispatch executes one tool call and returns its textual result.
//
// Transient failures are retried with exponential backoff up to the attempt
// cap; everything else fails immediately. The returned error is always one
// of UnknownToolError, InvalidArgumentsError or ExecutionError.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	t, err := d.registry.Get(call.Name)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		result, err := d.attempt(ctx, t, call)
		if err == nil {
			return result, nil
		}

		var invalidErr *InvalidArgumentsError
		if errors.As(err, &invalidErr) {
			return "", invalidErr
		}

		lastErr = err
		if !isRetryableErr(err) || attempt == d.maxAttempts {
			break
		}

		delay := d.backoff * time.Duration(1<<(attempt-1))
		d.logger.Warn("Retrying tool call",
			"tool", call.Name, "attempt", attempt, "max", d.maxAttempts, "delay", delay, "error", err)
		d.sleep(delay)
	}

	var execErr *ExecutionError
	if errors.As(lastErr, &execErr) {
		return "", execErr
	}
	return "", &ExecutionError{Tool: call.Name, Retryable: isRetryableErr(lastErr), Err: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, t CallableTool, call llm.ToolCall) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return t.Call(ctx, call.Arguments)
}

func isRetryableErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
