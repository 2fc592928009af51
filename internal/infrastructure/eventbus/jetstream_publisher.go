package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// Message headers set on every JetStream message.
const (
	HeaderStreamID  = "x-stream-id"
	HeaderSequence  = "x-sequence"
	HeaderEventType = "x-event-type"
)

const defaultDuplicateWindow = 2 * time.Minute

// JetStreamConfig configures a JetStreamPublisher.
type JetStreamConfig struct {
	// StreamName is the JetStream stream that captures the subjects. Upper-cased.
	StreamName string

	// SubjectPrefix is followed by ".<partition>".
	SubjectPrefix string

	Partitions int

	// DuplicateWindow is how long the broker remembers message ids.
	// Redeliveries inside the window are dropped by the broker.
	DuplicateWindow time.Duration

	Logger *slog.Logger
}

// JetStreamPublisher publishes events to NATS JetStream.
// Message ids are the event keys, so republished events are deduplicated by the broker.
type JetStreamPublisher struct {
	nc            *natsgo.Conn
	js            jetstream.JetStream
	logger        *slog.Logger
	subjectPrefix string
	partitions    int
}

// NewJetStreamPublisher connects the publisher and ensures the stream exists.
func NewJetStreamPublisher(ctx context.Context, nc *natsgo.Conn, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "EVSTORE_EVENTS"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaultPartitions
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure jetstream stream %s: %w", streamName, err)
	}

	logger.InfoContext(ctx, "jetstream stream ensured",
		slog.String("stream", streamName),
		slog.String("subject_prefix", cfg.SubjectPrefix),
		slog.Int("partitions", cfg.Partitions),
	)

	return &JetStreamPublisher{
		nc:            nc,
		js:            js,
		logger:        logger,
		subjectPrefix: cfg.SubjectPrefix,
		partitions:    cfg.Partitions,
	}, nil
}

// Publish sends the event and waits for the broker acknowledgment.
func (p *JetStreamPublisher) Publish(ctx context.Context, evt event.StoredEvent) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}

	msg := natsgo.NewMsg(p.Subject(evt.StreamID))
	msg.Header.Set(HeaderStreamID, evt.StreamID)
	msg.Header.Set(HeaderSequence, strconv.FormatInt(evt.Sequence, 10))
	msg.Header.Set(HeaderEventType, evt.EventType)
	msg.Data = data

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(evt.Key()))
	if err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", msg.Subject, err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("stream_id", evt.StreamID),
		slog.Int64("sequence", evt.Sequence),
		slog.String("event_type", evt.EventType),
		slog.String("subject", msg.Subject),
		slog.Uint64("broker_sequence", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return nil
}

// Subject returns the subject for the partition of streamID.
func (p *JetStreamPublisher) Subject(streamID string) string {
	return p.subjectPrefix + "." + partitionSuffix(streamID, p.partitions)
}

// Ping round-trips to the server.
func (p *JetStreamPublisher) Ping(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

var _ event.Publisher = (*JetStreamPublisher)(nil)
