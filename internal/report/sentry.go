// Package report forwards unexpected failures to Sentry. Every function is a
// no-op until Setup has been called with a DSN.
package report

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// Setup initializes the Sentry client. An empty DSN leaves reporting off.
func Setup(dsn, env, version string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     version,
	}); err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	enabled.Store(true)
	configureScope(version)
	return nil
}

func Enabled() bool { return enabled.Load() }

func configureScope(version string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("app_version", version)
		scope.SetTag("go_version", runtime.Version())
		scope.SetTag("goarch", runtime.GOARCH)
		scope.SetContext("host_info", map[string]any{
			"hostname": hostname(),
		})
	})
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Error reports err with optional tags.
func Error(err error, tags map[string]string) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func Flush() {
	if enabled.Load() {
		sentry.Flush(2 * time.Second)
	}
}
