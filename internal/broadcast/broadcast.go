// Package broadcast fans measurement and health events out to real-time subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"scale-ingest/internal/model"
)

// Topics relative to the configured subject prefix.
const (
	TopicMeasurements = "measurements"
	TopicHealth       = "health"
)

// MeasurementTopic is the per-scale topic for scaleID.
func MeasurementTopic(scaleID string) string { return TopicMeasurements + "." + scaleID }

// HealthTopic is the per-scale health topic for scaleID.
func HealthTopic(scaleID string) string { return TopicHealth + "." + scaleID }

// Sink delivers a payload on a topic. Implementations must not block on slow consumers.
type Sink interface {
	Name() string
	Publish(topic string, payload []byte) error
}

// Broadcaster publishes every event on the global topic and the scale's own topic.
type Broadcaster struct {
	sinks  []Sink
	logger zerolog.Logger
}

func New(logger zerolog.Logger, sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks, logger: logger}
}

// AddSink registers another sink. Not safe to call once publishing has started.
func (b *Broadcaster) AddSink(s Sink) { b.sinks = append(b.sinks, s) }

func (b *Broadcaster) PublishMeasurement(ctx context.Context, ev model.MeasurementEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}
	return b.publish(ctx, payload, TopicMeasurements, MeasurementTopic(ev.ScaleID))
}

func (b *Broadcaster) PublishHealth(ctx context.Context, tr model.HealthTransition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal health transition: %w", err)
	}
	return b.publish(ctx, payload, TopicHealth, HealthTopic(tr.ScaleID))
}

func (b *Broadcaster) publish(_ context.Context, payload []byte, topics ...string) error {
	var errs []error
	for _, s := range b.sinks {
		for _, topic := range topics {
			if err := s.Publish(topic, payload); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", s.Name(), topic, err))
			}
		}
	}
	return errors.Join(errs...)
}
