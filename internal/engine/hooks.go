package engine

import "log/slog"

// Hooks receives decision callbacks. Implementations run synchronously on
// the evaluating goroutine; panics are caught and logged, never propagated.
type Hooks interface {
	// OnHighRisk fires for every decision at level high or critical.
	OnHighRisk(d *Decision)
	// OnBlock fires for block and ban decisions.
	OnBlock(d *Decision)
	// OnAnomaly fires when a producer reports a strong anomaly signal
	// regardless of the final action.
	OnAnomaly(d *Decision)
}

// NopHooks is the default no-op implementation. Embed it to override a
// subset of callbacks.
type NopHooks struct{}

func (NopHooks) OnHighRisk(*Decision) {}
func (NopHooks) OnBlock(*Decision)    {}
func (NopHooks) OnAnomaly(*Decision)  {}

var _ Hooks = NopHooks{}

// safeHook invokes fn with a panic boundary. Hook failures never affect
// the decision.
func safeHook(logger *slog.Logger, name string, d *Decision, fn func(*Decision)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn(d)
}
