package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// BiometricTopic is the queue topic client biometric samples land on.
const BiometricTopic = "rtssf.biometrics"

// BiometricSample is one client-originated biometric_data message.
type BiometricSample struct {
	ConnectionID string         `json:"connectionId"`
	Team         string         `json:"team"`
	SubjectID    string         `json:"subjectId"`
	Payload      map[string]any `json:"payload"`
	Timestamp    int64          `json:"timestamp"`
}

// BiometricSink receives forwarded biometric samples.
type BiometricSink interface {
	Record(ctx context.Context, s BiometricSample) error
}

// NewQueue creates the in-process queue biometric samples travel through.
func NewQueue(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		NewWatermillLogger(logger),
	)
}

// QueueSink publishes samples onto a watermill topic.
type QueueSink struct {
	pub   message.Publisher
	topic string
}

// NewQueueSink creates a sink publishing to BiometricTopic.
func NewQueueSink(pub message.Publisher) *QueueSink {
	return &QueueSink{pub: pub, topic: BiometricTopic}
}

func (s *QueueSink) Record(ctx context.Context, sample BiometricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("biometric sink: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("team", sample.Team)
	msg.Metadata.Set("conn_id", sample.ConnectionID)
	if err := s.pub.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("biometric sink: publish to %s: %w", s.topic, err)
	}
	return nil
}

// BiometricRelay consumes the queue, keeps the latest sample per
// (team, subject) and hands each sample to OnSample.
type BiometricRelay struct {
	sub      message.Subscriber
	onSample func(BiometricSample)
	logger   zerolog.Logger

	mu     sync.RWMutex
	latest map[string]BiometricSample
	wg     sync.WaitGroup
}

// NewBiometricRelay creates a relay. onSample may be nil.
func NewBiometricRelay(sub message.Subscriber, onSample func(BiometricSample), logger zerolog.Logger) *BiometricRelay {
	return &BiometricRelay{
		sub:      sub,
		onSample: onSample,
		logger:   logger.With().Str("component", "biometric-relay").Logger(),
		latest:   make(map[string]BiometricSample),
	}
}

// Start subscribes and consumes until ctx is cancelled.
func (r *BiometricRelay) Start(ctx context.Context) error {
	msgs, err := r.sub.Subscribe(ctx, BiometricTopic)
	if err != nil {
		return fmt.Errorf("biometric relay: subscribe: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range msgs {
			r.handle(msg)
		}
	}()
	return nil
}

// Wait blocks until the consumer goroutine exits.
func (r *BiometricRelay) Wait() { r.wg.Wait() }

func (r *BiometricRelay) handle(msg *message.Message) {
	defer msg.Ack()
	var s BiometricSample
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		r.logger.Error().Err(err).Str("uuid", msg.UUID).Msg("failed to decode biometric sample")
		return
	}
	r.mu.Lock()
	r.latest[s.Team+"/"+s.SubjectID] = s
	r.mu.Unlock()
	if r.onSample != nil {
		r.onSample(s)
	}
}

// Latest returns the last sample seen for (team, subject).
func (r *BiometricRelay) Latest(team, subjectID string) (BiometricSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[team+"/"+subjectID]
	return s, ok
}
