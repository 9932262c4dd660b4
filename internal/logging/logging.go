// Package logging wires zap as the concrete logger and exposes it through
// logr.Logger at package boundaries that want the provider-agnostic
// interface.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds a production zap.Logger, or a development one when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// AsLogr adapts a *zap.Logger to logr.Logger for components that accept the
// provider-agnostic interface.
func AsLogr(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}

// Noop returns a discard logr.Logger, useful for tests that don't assert on
// log output.
func Noop() logr.Logger {
	return logr.Discard()
}
