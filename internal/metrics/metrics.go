// Package metrics exposes the OpenTelemetry counters recorded by the ingestion pipeline.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "scale-ingest"

	metricEventsEnqueued     = "scale_events_enqueued_total"
	metricEventsProcessed    = "scale_events_processed_total"
	metricEventFailures      = "scale_event_failures_total"
	metricBatchesFlushed     = "storage_batches_flushed_total"
	metricBatchesDropped     = "storage_batches_dropped_total"
	metricEventsDropped      = "storage_events_dropped_total"
	metricEngineReconnects   = "engine_reconnects_total"
	metricHealthTransitions  = "health_transitions_total"
	metricBroadcastDiscarded = "broadcast_messages_discarded_total"
)

var (
	meterOnce sync.Once

	eventsEnqueued     metric.Int64Counter
	eventsProcessed    metric.Int64Counter
	eventFailures      metric.Int64Counter
	batchesFlushed     metric.Int64Counter
	batchesDropped     metric.Int64Counter
	eventsDropped      metric.Int64Counter
	engineReconnects   metric.Int64Counter
	healthTransitions  metric.Int64Counter
	broadcastDiscarded metric.Int64Counter
)

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		return nil
	}

	return c
}

func initMeter() {
	meter := otel.Meter(meterName)

	eventsEnqueued = counter(meter, metricEventsEnqueued, "Measurement events accepted by the queue")
	eventsProcessed = counter(meter, metricEventsProcessed, "Measurement events handled by the processing pool")
	eventFailures = counter(meter, metricEventFailures, "Per-event processing failures")
	batchesFlushed = counter(meter, metricBatchesFlushed, "Measurement batches written to storage")
	batchesDropped = counter(meter, metricBatchesDropped, "Measurement batches dropped after retry exhaustion")
	eventsDropped = counter(meter, metricEventsDropped, "Measurement events dropped after retry exhaustion")
	engineReconnects = counter(meter, metricEngineReconnects, "Device engine reconnect attempts")
	healthTransitions = counter(meter, metricHealthTransitions, "Scale health status transitions")
	broadcastDiscarded = counter(meter, metricBroadcastDiscarded, "Broadcast messages discarded for slow subscribers")
}

func add(ctx context.Context, c *metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	meterOnce.Do(initMeter)

	if *c == nil || n == 0 {
		return
	}

	(*c).Add(ctx, n, metric.WithAttributes(attrs...))
}

func RecordEnqueued(ctx context.Context, scaleID string) {
	add(ctx, &eventsEnqueued, 1, attribute.String("scale_id", scaleID))
}

func RecordProcessed(ctx context.Context, scaleID string) {
	add(ctx, &eventsProcessed, 1, attribute.String("scale_id", scaleID))
}

// RecordEventFailure counts a failed pipeline stage for one event.
func RecordEventFailure(ctx context.Context, stage string) {
	add(ctx, &eventFailures, 1, attribute.String("stage", stage))
}

func RecordBatchFlushed(ctx context.Context, size int) {
	add(ctx, &batchesFlushed, 1, attribute.Int("size", size))
}

// RecordBatchDropped counts a batch (and its events) given up after the retry budget.
func RecordBatchDropped(ctx context.Context, size int) {
	add(ctx, &batchesDropped, 1)
	add(ctx, &eventsDropped, int64(size))
}

func RecordReconnect(ctx context.Context, scaleID string) {
	add(ctx, &engineReconnects, 1, attribute.String("scale_id", scaleID))
}

func RecordHealthTransition(ctx context.Context, from, to string) {
	add(ctx, &healthTransitions, 1, attribute.String("from", from), attribute.String("to", to))
}

func RecordBroadcastDiscarded(ctx context.Context, sink string) {
	add(ctx, &broadcastDiscarded, 1, attribute.String("sink", sink))
}
