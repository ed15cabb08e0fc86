package logger

import (
	"fmt"
	"io"
	"log"
	"sync"

	"macrolink/internal/client/events"
)

// Logger writes leveled printf-style messages to the standard logger and,
// when a bus is attached, mirrors them as EventLog events.
type Logger struct {
	mu          sync.RWMutex
	eventBus    *events.Bus
	busOnly     bool
	verbose     bool
	savedWriter io.Writer
}

var defaultLogger = &Logger{}

// SetEventBus attaches (or with nil, detaches) the bus that receives log events.
func SetEventBus(bus *events.Bus) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.eventBus = bus
}

// SetBusOnly stops writing to the standard logger while enabled; messages only
// reach the event bus. Used when the CLI renders events itself.
func SetBusOnly(enabled bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if enabled == defaultLogger.busOnly {
		return
	}
	defaultLogger.busOnly = enabled

	if enabled {
		defaultLogger.savedWriter = log.Writer()
		log.SetOutput(io.Discard)
	} else if defaultLogger.savedWriter != nil {
		log.SetOutput(defaultLogger.savedWriter)
		defaultLogger.savedWriter = nil
	}
}

// SetVerbose enables Debug output.
func SetVerbose(enabled bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.verbose = enabled
}

// Debug logs a message only in verbose mode.
func Debug(format string, args ...interface{}) {
	defaultLogger.mu.RLock()
	verbose := defaultLogger.verbose
	defaultLogger.mu.RUnlock()
	if verbose {
		defaultLogger.log("debug", format, args...)
	}
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	defaultLogger.log("info", format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	defaultLogger.log("warn", format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	defaultLogger.log("error", format, args...)
}

func (l *Logger) log(level, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)

	l.mu.RLock()
	bus := l.eventBus
	busOnly := l.busOnly
	l.mu.RUnlock()

	if bus != nil {
		bus.PublishLog(level, message)
	}
	if !busOnly || bus == nil {
		log.Printf("[%s] %s", level, message)
	}
}
