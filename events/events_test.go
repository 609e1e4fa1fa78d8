package events_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mathraid-server/config"
	"mathraid-server/events"
)

func TestNewWithoutNATSURLStaysLogOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	pub := events.New(config.EventsConfig{}, logger)
	require.NotNil(t, pub)

	pub.TrackMaster("p1", 2, 6)
	require.Contains(t, buf.String(), "track_master")
	require.Contains(t, buf.String(), "p1")
}

func TestDeadLetterLogsAttemptsAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	pub := events.New(config.EventsConfig{}, logger)

	pub.DeadLetter("raid-1:p1", "p1", "raid-1", "http 500", 5)
	require.Contains(t, buf.String(), "outbox_dead_letter")
	require.Contains(t, buf.String(), "http 500")
}

func TestNilPublisherMethodsAreNoOps(t *testing.T) {
	var pub *events.Publisher
	require.NotPanics(t, func() {
		pub.TrackMaster("p1", 1, 4)
		pub.DeadLetter("id", "p1", "raid-1", "err", 1)
		pub.RaidEnded("raid-1", true, 4, 1)
		pub.Close()
	})
}
