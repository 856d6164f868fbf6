/*
Package log provides structured logging for nexus-proxy using zerolog.

The log package wraps the zerolog library to provide structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  Global Logger (zerolog)  ◄── log.Init(Config)            │
	│         │                                                  │
	│         ├── WithComponent("reconciler")                    │
	│         ├── WithALB("resolver", "vhost")                   │
	│         └── WithListenerGroup("certbot", "vhost", "web")   │
	│                                                            │
	│  Output: JSON (LOG_JSON=true) or console                   │
	└────────────────────────────────────────────────────────────┘

# Log Levels

  - Debug: drift signals, per-listener certificate staging, store keys read
  - Info: applied configurations, certbot registrations, issued certificates
  - Warn: malformed store fields that were dropped, readiness marking failures
  - Error: validation and reload failures, readiness timeouts

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithALB("resolver", "vhost")
	logger.Warn().Str("listener", "web").Str("port", "eighty").Msg("Listener port is not an integer, skipping")

Component loggers are cheap value copies; packages usually create one per
operation rather than keeping a package-level logger so that Init can be called
after package initialization.
*/
package log
