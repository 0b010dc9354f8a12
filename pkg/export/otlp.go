// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export ships proxy events to an OTLP collector over gRPC as log
// records. The exporter sits behind a buffered channel: Emit never blocks
// a dispatch, and when the collector is unreachable events are dropped
// locally rather than stalling the host process.
package export

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/shimmer/pkg/config"
	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/hostinfo"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	queueSize     = 1024
	batchSize     = 128
	flushInterval = 5 * time.Second
	exportTimeout = 10 * time.Second
)

// Exporter sends proxy events via OTLP gRPC with automatic reconnection.
// It implements events.Sink.
type Exporter struct {
	logger   *zap.Logger
	endpoint string
	headers  map[string]string
	host     hostinfo.Info
	version  string
	opts     []grpc.DialOption
	breaker  *CircuitBreaker

	queue   chan events.Event
	dropped atomic.Int64

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an OTLP exporter for proxy events.
func New(cfg *config.TelemetryConfig, host hostinfo.Info, version string, logger *zap.Logger) (*Exporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(4*1024*1024),
			grpc.UseCompressor("gzip"),
		),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	e := &Exporter{
		logger:   logger,
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		host:     host,
		version:  version,
		opts:     opts,
		breaker:  NewCircuitBreaker(5, 30*time.Second),
		queue:    make(chan events.Event, queueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// Emit implements events.Sink. Never blocks: the queue absorbs bursts and
// overflow is dropped with a counter, because a slow collector must not
// slow an intercepted call.
func (e *Exporter) Emit(ev events.Event) {
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (e *Exporter) Dropped() int64 {
	return e.dropped.Load()
}

// Start launches the background flush loop.
func (e *Exporter) Start(ctx context.Context) {
	go e.loop(ctx)
}

// Stop flushes what is queued and closes the connection.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

func (e *Exporter) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.export(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		case <-e.stopCh:
			// Drain whatever is queued before shutting down.
			for {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e *Exporter) export(batch []events.Event) {
	if !e.breaker.Allow() {
		e.dropped.Add(int64(len(batch)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	if err := e.exportBatch(ctx, batch); err != nil {
		e.breaker.RecordFailure()
		e.dropped.Add(int64(len(batch)))
		e.logger.Warn("event export failed",
			zap.Int("events", len(batch)),
			zap.String("circuit", e.breaker.State().String()),
			zap.Error(err),
		)
		return
	}
	e.breaker.RecordSuccess()
}

func (e *Exporter) exportBatch(ctx context.Context, batch []events.Event) error {
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	records := make([]*logspb.LogRecord, 0, len(batch))
	for i := range batch {
		records = append(records, convertEvent(&batch[i]))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: e.resource(),
				ScopeLogs: []*logspb.ScopeLogs{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    "shimmer",
							Version: e.version,
						},
						LogRecords: records,
					},
				},
			},
		},
	}

	if len(e.headers) > 0 {
		pairs := make([]string, 0, len(e.headers)*2)
		for k, v := range e.headers {
			pairs = append(pairs, k, v)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// connect establishes or re-establishes the gRPC connection.
func (e *Exporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *Exporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	state := conn.GetState()
	switch state {
	case connectivity.Ready, connectivity.Idle:
		return nil
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	case connectivity.Connecting:
		// Let it finish connecting
		return nil
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *Exporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// resource returns the OTEL resource describing the host process the
// proxy is loaded into.
func (e *Exporter) resource() *resourcepb.Resource {
	hostAttrs := e.host.ResourceAttrs()
	attrs := make([]*commonpb.KeyValue, 0, len(hostAttrs)+3)
	for k, v := range hostAttrs {
		attrs = append(attrs, strAttr(k, v))
	}
	attrs = append(attrs,
		strAttr("service.version", e.version),
		strAttr("telemetry.sdk.name", "shimmer"),
		intAttr("process.pid", int64(e.host.PID)),
	)
	return &resourcepb.Resource{Attributes: attrs}
}

// convertEvent renders one proxy event as an OTLP log record.
func convertEvent(ev *events.Event) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano: uint64(ev.Time.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: string(ev.Type)},
		},
	}
	rec.SeverityText, rec.SeverityNumber = severityFor(ev.Type)

	rec.Attributes = append(rec.Attributes, strAttr("shimmer.event", string(ev.Type)))
	if ev.Image != "" {
		rec.Attributes = append(rec.Attributes, strAttr("shimmer.image", ev.Image))
	}
	if ev.Symbol != "" {
		rec.Attributes = append(rec.Attributes, strAttr("shimmer.symbol", ev.Symbol))
	}
	if ev.Lifecycle != "" {
		rec.Attributes = append(rec.Attributes, strAttr("shimmer.lifecycle", ev.Lifecycle))
	}
	if ev.Type == events.TypeDispatchForwarded || ev.Type == events.TypeDispatchOverridden {
		rec.Attributes = append(rec.Attributes, intAttr("shimmer.value", int64(ev.Value)))
	}
	if ev.Err != "" {
		rec.Attributes = append(rec.Attributes, strAttr("error.message", ev.Err))
	}
	return rec
}

func severityFor(t events.Type) (string, logspb.SeverityNumber) {
	switch t {
	case events.TypeImageLoadFailed, events.TypeDispatchFailed:
		return "ERROR", logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	case events.TypeSymbolResolveFailed, events.TypeUnverifiedOffset,
		events.TypeHookReplaced, events.TypeImageChanged:
		return "WARN", logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	default:
		return "INFO", logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
