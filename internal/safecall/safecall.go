package safecall

import "go.uber.org/zap"

// Invoke runs an observer callback, swallowing any panic so that a
// misbehaving observer can never abort the state machinery that notified it.
// Every callback-invocation site in the orchestrator goes through this helper
// rather than ad hoc recovery blocks.
func Invoke(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Observer callback panicked",
				zap.String("callback", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
