package telemetry

import (
	"context"

	"github.com/ignatij/docflow/pkg/metrics"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
)

// OTelSink reports process metrics through an OpenTelemetry meter.
type OTelSink struct {
	active    metric.Int64UpDownCounter
	threads   metric.Int64UpDownCounter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	errors    metric.Int64Counter
}

var _ metrics.Sink = (*OTelSink)(nil)

func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	var (
		s   OTelSink
		err error
	)
	if s.active, err = meter.Int64UpDownCounter("docflow.processes.active",
		metric.WithDescription("Processes currently running")); err != nil {
		return nil, errors.Wrap(err, "create active counter")
	}
	if s.threads, err = meter.Int64UpDownCounter("docflow.threads",
		metric.WithDescription("Workers held by running processes")); err != nil {
		return nil, errors.Wrap(err, "create threads counter")
	}
	if s.completed, err = meter.Int64Counter("docflow.processes.completed"); err != nil {
		return nil, errors.Wrap(err, "create completed counter")
	}
	if s.failed, err = meter.Int64Counter("docflow.processes.failed"); err != nil {
		return nil, errors.Wrap(err, "create failed counter")
	}
	if s.cancelled, err = meter.Int64Counter("docflow.processes.cancelled"); err != nil {
		return nil, errors.Wrap(err, "create cancelled counter")
	}
	if s.errors, err = meter.Int64Counter("docflow.errors"); err != nil {
		return nil, errors.Wrap(err, "create errors counter")
	}
	return &s, nil
}

func (s *OTelSink) ProcessStarted()       { s.active.Add(context.Background(), 1) }
func (s *OTelSink) ProcessExited()        { s.active.Add(context.Background(), -1) }
func (s *OTelSink) ThreadsAcquired(n int) { s.threads.Add(context.Background(), int64(n)) }
func (s *OTelSink) ThreadsReleased(n int) { s.threads.Add(context.Background(), -int64(n)) }
func (s *OTelSink) ProcessCompleted()     { s.completed.Add(context.Background(), 1) }
func (s *OTelSink) ProcessFailed()        { s.failed.Add(context.Background(), 1) }
func (s *OTelSink) ProcessCancelled()     { s.cancelled.Add(context.Background(), 1) }
func (s *OTelSink) Errors(n int)          { s.errors.Add(context.Background(), int64(n)) }
