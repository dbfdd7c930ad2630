// Package logging provides the process-wide structured logger used by every
// package in this module. All components log through here instead of
// fmt.Println so operators get consistent, greppable, structured output.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.Logger = zap.NewNop()
)

// Init installs l as the process-wide logger. Call once at process startup.
func Init(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// NewDevelopment builds a human-readable logger suitable for cmd/signalengine.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Debug(msg string, fields ...zap.Field) { current().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)   { current().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)   { current().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field)  { current().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field)  { current().Fatal(msg, fields...) }

// With returns a child logger carrying the given fields on every call.
func With(fields ...zap.Field) *zap.Logger {
	return current().With(fields...)
}
