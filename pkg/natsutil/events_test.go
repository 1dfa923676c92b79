package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hearth/pkg/models"
)

var errTestFixture = errors.New("fixture error")

func TestEnsureSubjectList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subjects []string
		subject  string
		want     []string
	}{
		{
			name:     "adds subject when list empty",
			subjects: nil,
			subject:  "events.device.lamp-1",
			want:     []string{"events.device.lamp-1"},
		},
		{
			name:     "keeps list when wildcard matches",
			subjects: []string{"events.device.*"},
			subject:  "events.device.lamp-1",
			want:     []string{"events.device.*"},
		},
		{
			name:     "keeps list when greater wildcard matches",
			subjects: []string{"events.>"},
			subject:  "events.device.lamp-1",
			want:     []string{"events.>"},
		},
		{
			name:     "appends when unmatched",
			subjects: []string{"ingest.device.>"},
			subject:  "events.device.lamp-1",
			want:     []string{"ingest.device.>", "events.device.lamp-1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := ensureSubjectList(append([]string(nil), tc.subjects...), tc.subject)

			if len(result) != len(tc.want) {
				t.Fatalf("expected %d subjects, got %d", len(tc.want), len(result))
			}

			for i := range tc.want {
				if tc.want[i] != result[i] {
					t.Fatalf("result[%d] = %q, want %q", i, result[i], tc.want[i])
				}
			}
		})
	}
}

func TestMatchesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{"exact match", "events.device.lamp-1", "events.device.lamp-1", true},
		{"single wildcard", "events.*.lamp-1", "events.device.lamp-1", true},
		{"greater wildcard", "events.>", "events.device.lamp-1", true},
		{"no match length", "events.*", "events.device.lamp-1", false},
		{"no match tokens", "ingest.device.*", "events.device.lamp-1", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := matchesSubject(tc.pattern, tc.subject); got != tc.expected {
				t.Fatalf("matchesSubject(%q, %q) = %t, want %t", tc.pattern, tc.subject, got, tc.expected)
			}
		})
	}
}

func TestIsStreamMissingErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"jetstream no stream response", jetstream.ErrNoStreamResponse, true},
		{"jetstream stream not found", jetstream.ErrStreamNotFound, true},
		{"nats no stream response", nats.ErrNoStreamResponse, true},
		{"nats stream not found", nats.ErrStreamNotFound, true},
		{"nats no responders", nats.ErrNoResponders, true},
		{"nil", nil, false},
		{"other error", errTestFixture, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isStreamMissingErr(tc.err); got != tc.expected {
				t.Fatalf("isStreamMissingErr(%v) = %t, want %t", tc.err, got, tc.expected)
			}
		})
	}
}

func TestEventTypeAndSubjectMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind        models.ChangeKind
		wantType    string
		wantSubject string
	}{
		{models.ChangeDeviceRegistered, "com.carverauto.hearth.device.registered", "events.device.lamp-1"},
		{models.ChangeStateUpdated, "com.carverauto.hearth.device.state", "events.device.lamp-1"},
		{models.ChangeDeviceUnreachable, "com.carverauto.hearth.device.reachability", "events.device.lamp-1"},
		{models.ChangeDeviceRetired, "com.carverauto.hearth.device.retired", "events.device.lamp-1"},
		{models.ChangeCommandSubmitted, "com.carverauto.hearth.command.submitted", "events.command.lamp-1"},
		{models.ChangeCommandOutcome, "com.carverauto.hearth.command.outcome", "events.command.lamp-1"},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			change := &models.StateChange{Kind: tc.kind, DeviceID: "lamp-1"}

			if got := eventTypeFor(tc.kind); got != tc.wantType {
				t.Fatalf("eventTypeFor(%s) = %q, want %q", tc.kind, got, tc.wantType)
			}

			if got := subjectFor(change); got != tc.wantSubject {
				t.Fatalf("subjectFor(%s) = %q, want %q", tc.kind, got, tc.wantSubject)
			}
		})
	}
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	return srv
}

func TestPublishStateChangeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	publisher, err := CreateEventPublisher(ctx, nc, "events", nil)
	require.NoError(t, err)

	change := &models.StateChange{
		Kind:     models.ChangeStateUpdated,
		DeviceID: "lamp-1",
		Device: &models.Device{
			DeviceID: "lamp-1",
			Type:     models.DeviceTypeLight,
			State:    map[string]interface{}{"power": "on"},
		},
		OccurredAt: time.Now(),
	}

	require.NoError(t, publisher.PublishStateChange(ctx, change))

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	consumer, err := js.CreateConsumer(ctx, "events", jetstream.ConsumerConfig{
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	var received jetstream.Msg
	for msg := range msgs.Messages() {
		received = msg
	}
	require.NotNil(t, received, "expected a published event")
	require.Equal(t, "events.device.lamp-1", received.Subject())

	var envelope models.CloudEvent
	require.NoError(t, json.Unmarshal(received.Data(), &envelope))
	require.Equal(t, "1.0", envelope.SpecVersion)
	require.Equal(t, "com.carverauto.hearth.device.state", envelope.Type)
	require.Equal(t, "hearth/hub", envelope.Source)
	require.NotEmpty(t, envelope.ID)
	require.NoError(t, received.Ack())
}

func TestEnsureStreamWidensSubjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	_, err = EnsureStream(ctx, js, "events", []string{"events.device.*"})
	require.NoError(t, err)

	// A second ensure with an uncovered subject widens the stream in place.
	stream, err := EnsureStream(ctx, js, "events", []string{"events.device.*", "events.command.*"})
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"events.device.*", "events.command.*"}, info.Config.Subjects)

	// Re-ensuring with covered subjects is a no-op.
	_, err = EnsureStream(ctx, js, "events", []string{"events.device.lamp-1"})
	require.NoError(t, err)

	info, err = stream.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info.Config.Subjects, 2)
}
