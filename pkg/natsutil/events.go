package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/models"
)

const eventSource = "hearth/hub"

// EventPublisher publishes hub state changes as CloudEvents to NATS JetStream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
}

// NewEventPublisher creates a new EventPublisher for the specified stream.
func NewEventPublisher(js jetstream.JetStream, streamName string) *EventPublisher {
	return &EventPublisher{
		js:     js,
		stream: streamName,
	}
}

// PublishStateChange wraps a state change in a CloudEvents v1.0 envelope and
// publishes it to the notification stream. Command changes land on
// events.command.<device>, everything else on events.device.<device>.
func (p *EventPublisher) PublishStateChange(ctx context.Context, change *models.StateChange) error {
	occurred := change.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypeFor(change.Kind),
		DataContentType: "application/json",
		Subject:         subjectFor(change),
		Time:            &occurred,
		Data:            change,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal state change event: %w", err)
	}

	if _, err := p.js.Publish(ctx, event.Subject, eventBytes); err != nil {
		return fmt.Errorf("failed to publish state change event: %w", err)
	}

	return nil
}

func eventTypeFor(kind models.ChangeKind) string {
	switch kind {
	case models.ChangeDeviceRegistered:
		return "com.carverauto.hearth.device.registered"
	case models.ChangeStateUpdated:
		return "com.carverauto.hearth.device.state"
	case models.ChangeDeviceUnreachable:
		return "com.carverauto.hearth.device.reachability"
	case models.ChangeDeviceRetired:
		return "com.carverauto.hearth.device.retired"
	case models.ChangeCommandSubmitted:
		return "com.carverauto.hearth.command.submitted"
	case models.ChangeCommandOutcome:
		return "com.carverauto.hearth.command.outcome"
	default:
		return "com.carverauto.hearth." + string(kind)
	}
}

func subjectFor(change *models.StateChange) string {
	switch change.Kind {
	case models.ChangeCommandSubmitted, models.ChangeCommandOutcome:
		return "events.command." + change.DeviceID
	default:
		return "events.device." + change.DeviceID
	}
}

// CreateEventPublisher creates an EventPublisher over an existing NATS
// connection, ensuring the stream exists and covers the given subjects.
func CreateEventPublisher(ctx context.Context, nc *nats.Conn, streamName string, subjects []string) (*EventPublisher, error) {
	return CreateEventPublisherWithDomain(ctx, nc, "", streamName, subjects)
}

// CreateEventPublisherWithDomain creates an EventPublisher with optional NATS domain support.
func CreateEventPublisherWithDomain(ctx context.Context, nc *nats.Conn, domain, streamName string, subjects []string) (*EventPublisher, error) {
	js, err := JetStream(nc, domain)
	if err != nil {
		return nil, err
	}

	if len(subjects) == 0 {
		subjects = []string{"events.device.*", "events.command.*"}
	}

	if _, err := EnsureStream(ctx, js, streamName, subjects); err != nil {
		return nil, err
	}

	return NewEventPublisher(js, streamName), nil
}

// JetStream creates a JetStream context over nc, scoped to domain when one
// is configured.
func JetStream(nc *nats.Conn, domain string) (jetstream.JetStream, error) {
	if domain != "" {
		js, err := jetstream.NewWithDomain(nc, domain)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context with domain %s: %w", domain, err)
		}

		return js, nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return js, nil
}

// EnsureStream makes sure the named stream exists and its subject list covers
// every subject in subjects, creating or widening the stream as needed.
func EnsureStream(ctx context.Context, js jetstream.JetStream, streamName string, subjects []string) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, streamName)
	if isStreamMissingErr(err) {
		stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}

		return stream, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to look up stream %s: %w", streamName, err)
	}

	cfg := stream.CachedInfo().Config
	merged := append([]string(nil), cfg.Subjects...)

	for _, subject := range subjects {
		merged = ensureSubjectList(merged, subject)
	}

	if len(merged) != len(cfg.Subjects) {
		cfg.Subjects = merged

		stream, err = js.UpdateStream(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to update subjects of stream %s: %w", streamName, err)
		}
	}

	return stream, nil
}

// ensureSubjectList appends subject unless an existing pattern already
// matches it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, pattern := range subjects {
		if matchesSubject(pattern, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether a NATS subject pattern covers subject,
// honoring the * and > wildcards.
func matchesSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return true
		}

		if i >= len(subjectTokens) {
			return false
		}

		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}

	return len(patternTokens) == len(subjectTokens)
}

func isStreamMissingErr(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}
