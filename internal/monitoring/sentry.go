// Package monitoring reports unexpected failures to Sentry.
package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter receives errors that should reach an operator.
type Reporter interface {
	Report(err error, tags map[string]string)
}

// Config holds Sentry options.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Init initializes the global Sentry client. It returns a flush function that
// is safe to call even when Sentry is disabled.
func Init(cfg Config) (flush func(), err error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		EnableTracing:    false,
		AttachStacktrace: true,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// SentryReporter sends errors to the current Sentry hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter returns a reporter bound to the current hub.
func NewSentryReporter() *SentryReporter {
	return &SentryReporter{hub: sentry.CurrentHub()}
}

// Report captures err with tags. Nil errors are ignored.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil || r == nil || r.hub == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// Recover reports a recovered panic value. Call it from a deferred function.
func (r *SentryReporter) Recover(v any) {
	if v == nil || r == nil || r.hub == nil {
		return
	}
	hub := r.hub.Clone()
	hub.Recover(v)
	hub.Flush(2 * time.Second)
}

// Nop discards every report.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(error, map[string]string) {}
