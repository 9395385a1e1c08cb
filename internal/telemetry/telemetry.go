// Package telemetry is the fire-and-forget observability side channel.
// Nothing here may block or fail engine work: sends are rate limited,
// and Capture swallows reporter errors.
package telemetry

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pyls-broker/internal/common"
)

// Event names.
const (
	// EventEngineSelection reports which engine kind was chosen for a
	// resource. Property "reason" is "switched" for a first-time or
	// changed outcome and "unchanged" for repeats.
	EventEngineSelection = "engine.selection"
	// EventPlatformCheck reports the analysis-engine support diagnostic.
	EventPlatformCheck = "engine.platform_check"
	// EventExperimentMembership reports a one-shot cohort membership.
	EventExperimentMembership = "experiment.membership"
)

// Event is one telemetry datum.
type Event struct {
	Name       string
	Properties map[string]string
	Measures   map[string]float64
}

// Reporter delivers events to a telemetry backend.
type Reporter interface {
	Send(event Event) error
}

// Capture sends an event and swallows any failure. Failures are logged at
// debug level only; telemetry must never block engine startup.
func Capture(r Reporter, event Event) {
	if r == nil {
		return
	}
	if err := r.Send(event); err != nil {
		common.BrokerLogger.Debugf("telemetry send failed for %s: %v", event.Name, err)
	}
}

// LogReporter writes events to the broker log behind a rate limiter.
// Events over budget are dropped silently.
type LogReporter struct {
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
}

// NewLogReporter creates a reporter allowing eventsPerMinute sends with a
// burst of the same size. A non-positive budget disables limiting.
func NewLogReporter(logger *zap.SugaredLogger, eventsPerMinute int) *LogReporter {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if eventsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(eventsPerMinute)), eventsPerMinute)
	}
	return &LogReporter{
		logger:  logger,
		limiter: limiter,
	}
}

func (r *LogReporter) Send(event Event) error {
	if !r.limiter.Allow() {
		return nil
	}

	fields := make([]interface{}, 0, 2+2*len(event.Properties)+2*len(event.Measures))
	fields = append(fields, "event", event.Name)
	for k, v := range event.Properties {
		fields = append(fields, k, v)
	}
	for k, v := range event.Measures {
		fields = append(fields, k, v)
	}

	r.logger.Infow("telemetry", fields...)
	return nil
}
