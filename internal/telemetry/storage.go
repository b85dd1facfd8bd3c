package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

const storageScopeName = "github.com/grip-on-software/data-gathering-sub000/storage"

// InstrumentedStore wraps a storage.Store with tracing and metrics.
// Every call gets a span and is counted in gros.storage.*; finished
// imports are additionally counted by outcome. Use WrapStore to create
// one; with telemetry disabled the original store is returned unchanged.
type InstrumentedStore struct {
	inner   storage.Store
	tracer  trace.Tracer
	ops     metric.Int64Counter
	dur     metric.Float64Histogram
	errs    metric.Int64Counter
	imports metric.Int64Counter
}

// WrapStore decorates a store with instrumentation.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("gros.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("gros.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("gros.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	imports, _ := m.Int64Counter("gros.imports",
		metric.WithDescription("Imports reaching a terminal state, by outcome"),
	)
	return &InstrumentedStore{
		inner:   s,
		tracer:  Tracer(storageScopeName),
		ops:     ops,
		dur:     dur,
		errs:    errs,
		imports: imports,
	}
}

// op starts a span and counts the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span and records the duration. Routine misses are not
// failures: agents poll for rows that may not exist yet, so ErrNotFound
// stays out of the error count.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func projectAttr(project string) attribute.KeyValue {
	return attribute.String("gros.project", project)
}

func (s *InstrumentedStore) SaveAgent(ctx context.Context, agent *types.Agent) error {
	attrs := []attribute.KeyValue{projectAttr(agent.Project), attribute.String("gros.agent", agent.Name)}
	ctx, span, t := s.op(ctx, "SaveAgent", attrs...)
	err := s.inner.SaveAgent(ctx, agent)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Agent(ctx context.Context, project, name string) (*types.Agent, error) {
	attrs := []attribute.KeyValue{projectAttr(project), attribute.String("gros.agent", name)}
	ctx, span, t := s.op(ctx, "Agent", attrs...)
	v, err := s.inner.Agent(ctx, project, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Agents(ctx context.Context, project string) ([]types.Agent, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "Agents", attrs...)
	v, err := s.inner.Agents(ctx, project)
	if err == nil {
		span.SetAttributes(attribute.Int("gros.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) EnsureSecrets(ctx context.Context, project, salt, pepper string) (string, string, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "EnsureSecrets", attrs...)
	gotSalt, gotPepper, err := s.inner.EnsureSecrets(ctx, project, salt, pepper)
	s.done(ctx, span, t, err, attrs...)
	return gotSalt, gotPepper, err
}

func (s *InstrumentedStore) Secrets(ctx context.Context, project string) (string, string, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "Secrets", attrs...)
	salt, pepper, err := s.inner.Secrets(ctx, project)
	s.done(ctx, span, t, err, attrs...)
	return salt, pepper, err
}

func (s *InstrumentedStore) SaveTracker(ctx context.Context, project, script string, data []byte) error {
	attrs := []attribute.KeyValue{
		projectAttr(project),
		attribute.String("gros.script", script),
		attribute.Int("gros.tracker.bytes", len(data)),
	}
	ctx, span, t := s.op(ctx, "SaveTracker", attrs...)
	err := s.inner.SaveTracker(ctx, project, script, data)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Tracker(ctx context.Context, project, script string) ([]byte, error) {
	attrs := []attribute.KeyValue{projectAttr(project), attribute.String("gros.script", script)}
	ctx, span, t := s.op(ctx, "Tracker", attrs...)
	v, err := s.inner.Tracker(ctx, project, script)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) TrackerScripts(ctx context.Context, project string) ([]string, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "TrackerScripts", attrs...)
	v, err := s.inner.TrackerScripts(ctx, project)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteTracker(ctx context.Context, project, script string) error {
	attrs := []attribute.KeyValue{projectAttr(project), attribute.String("gros.script", script)}
	ctx, span, t := s.op(ctx, "DeleteTracker", attrs...)
	err := s.inner.DeleteTracker(ctx, project, script)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) StartImport(ctx context.Context, project, agent, digest string, at time.Time) (int64, error) {
	attrs := []attribute.KeyValue{projectAttr(project), attribute.String("gros.agent", agent)}
	ctx, span, t := s.op(ctx, "StartImport", attrs...)
	id, err := s.inner.StartImport(ctx, project, agent, digest, at)
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedStore) SetImportState(ctx context.Context, id int64, state types.ImportState, message string, at time.Time) error {
	attrs := []attribute.KeyValue{attribute.String("gros.import.state", string(state))}
	ctx, span, t := s.op(ctx, "SetImportState", attrs...)
	err := s.inner.SetImportState(ctx, id, state, message, at)
	if err == nil && state.Terminal() {
		s.imports.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) LastImport(ctx context.Context, project string) (*types.ImportRecord, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "LastImport", attrs...)
	v, err := s.inner.LastImport(ctx, project)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ImportedDigest(ctx context.Context, project, digest string) (bool, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "ImportedDigest", attrs...)
	v, err := s.inner.ImportedDigest(ctx, project, digest)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SaveHealth(ctx context.Context, report *types.StatusReport) error {
	attrs := []attribute.KeyValue{projectAttr(report.Project), attribute.String("gros.agent", report.Agent)}
	ctx, span, t := s.op(ctx, "SaveHealth", attrs...)
	err := s.inner.SaveHealth(ctx, report)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Health(ctx context.Context, project string) ([]types.StatusReport, error) {
	attrs := []attribute.KeyValue{projectAttr(project)}
	ctx, span, t := s.op(ctx, "Health", attrs...)
	v, err := s.inner.Health(ctx, project)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
