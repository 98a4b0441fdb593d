/*
Package log provides structured logging for agencyd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers and a configurable level. Callers chain
`.With().Str(...)` off a component logger to attach the node/experiment/
batch IDs a given log line needs, rather than going through a dedicated
per-ID helper.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog.Logger instance                  │          │
	│  │  - initialized once via log.Init()          │          │
	│  │  - safe for concurrent use                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - JSONOutput: JSON or console (human)      │          │
	│  │  - Output: stdout or a custom io.Writer     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("scheduler")                │          │
	│  │  - .With().Str("node_id", ...).Logger()      │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Log Levels

Debug:
  - detailed scheduling/placement tracing, stage-container command lines
  - verbose; not the production default

Info:
  - batch placed, batch succeeded, node transitioned online/offline

Warn:
  - a stage container exited non-zero and will be retried
  - the secret broker was unreachable for a cycle

Error:
  - a batch was buried after exhausting its retry budget
  - the store or container runtime returned an unexpected error

Fatal:
  - used only for startup failures agencyd cannot recover from
    (e.g. the store data directory cannot be opened)

# Usage

	import "github.com/cc-warren/agency/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("batch", b.ID).Str("node", node).Msg("batch placed")

Component loggers are cheap to create per call; zerolog's With()
builder reuses the parent encoder state, so there is no need to cache
them beyond the lifetime of the function that needs the extra fields.

# Output destinations

agencyd writes logs to stdout by default and leaves rotation to the
process supervisor (systemd, a container runtime's log driver, or an
external log shipper) rather than rolling its own file rotation.
*/
package log
