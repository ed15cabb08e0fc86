package sentry

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// ignoredErrors contains error messages that should be logged but not sent to Sentry.
// These are typically caused by scanners or normal client disconnects and create noise.
var ignoredErrors = []string{
	"connection reset by peer",         // Client disconnected abruptly (sleep mode, network loss)
	"EOF",                              // Client closed connection without graceful shutdown
	"broken pipe",                      // Write to closed connection (client already gone)
	"use of closed network connection", // Operation on already closed connection
	"line exceeds maximum size",        // Peer that is not speaking the line protocol
}

var enabled bool

// Init configures the global Sentry client. An empty DSN leaves reporting disabled.
func Init(dsn, environment string) error {
	if dsn == "" {
		log.Println("SENTRY_DSN not set, error reporting disabled")
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	enabled = true
	return nil
}

// Enabled reports whether Init configured a DSN.
func Enabled() bool {
	return enabled
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	if enabled {
		sentry.Flush(timeout)
	}
}

// Middleware returns the gin middleware that attaches a hub to each request and recovers panics.
func Middleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{Repanic: true})
}

// shouldIgnore checks if an error should be filtered out from Sentry.
func shouldIgnore(err error) bool {
	if err == nil {
		return true
	}

	// Treat socket timeouts as noise: scanners often connect and never speak.
	type timeoutError interface{ Timeout() bool }
	if te, ok := err.(timeoutError); ok && te.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, ignored := range ignoredErrors {
		if strings.Contains(errStr, ignored) {
			return true
		}
	}
	return false
}

// CaptureError logs an error locally and reports it to Sentry.
// Use this for errors outside of HTTP request context (startup, connection handlers).
func CaptureError(err error, message string) {
	log.Printf("%s: %v", message, err)
	if !enabled || shouldIgnore(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("message", message)
		sentry.CaptureException(err)
	})
}

// CaptureErrorWithContext logs an error and reports it to Sentry with HTTP request context.
func CaptureErrorWithContext(c *gin.Context, err error, message string) {
	log.Printf("%s: %v", message, err)
	if !enabled || shouldIgnore(err) {
		return
	}
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("message", message)
			if c.Request != nil {
				scope.SetTag("http.method", c.Request.Method)
				scope.SetTag("http.path", c.Request.URL.Path)
				scope.SetExtra("http.query", c.Request.URL.RawQuery)
				scope.SetExtra("http.remote_ip", c.ClientIP())
				scope.SetExtra("http.user_agent", c.Request.UserAgent())
				if rid := c.Request.Header.Get("X-Request-Id"); rid != "" {
					scope.SetTag("request_id", rid)
				}
			}
			hub.CaptureException(err)
		})
	} else {
		CaptureError(err, message)
	}
}

// CaptureErrorf logs and reports an error with a formatted message.
func CaptureErrorf(err error, format string, args ...interface{}) {
	CaptureError(err, fmt.Sprintf(format, args...))
}
