package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/progress"
)

// PubSubSink publishes one message per finished term (TERM_DONE or
// TERM_ERROR) to a Pub/Sub topic. Start and page events are not published.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// termMessage is the JSON body of a published term notification.
type termMessage struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Worker     int       `json:"worker"`
	Term       string    `json:"term"`
	Pages      int       `json:"pages"`
	Records    int       `json:"records"`
	Admitted   int       `json:"admitted"`
	DurationMS int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
	TS         time.Time `json:"ts"`
}

// NewPubSubSink publishes to topicID through client. The caller owns client.
func NewPubSubSink(client *pubsub.Client, topicID string, logger *zap.Logger) (*PubSubSink, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if topicID == "" {
		return nil, errors.New("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: client.Topic(topicID), logger: logger}, nil
}

// Consume publishes the terminal events in batch and waits for the server to
// acknowledge them. Every publish is attempted; the first error is returned.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage != progress.StageTermDone && evt.Stage != progress.StageTermError {
			continue
		}
		data, err := json.Marshal(termMessage{
			RunID:      evt.RunUUID().String(),
			Stage:      string(evt.Stage),
			Worker:     evt.Worker,
			Term:       evt.Term,
			Pages:      evt.Page,
			Records:    evt.Records,
			Admitted:   evt.Admitted,
			DurationMS: evt.Dur.Milliseconds(),
			Note:       evt.Note,
			TS:         evt.TS,
		})
		if err != nil {
			return fmt.Errorf("marshal term message: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"run_id": evt.RunUUID().String(),
				"stage":  string(evt.Stage),
				"worker": strconv.Itoa(evt.Worker),
			},
		}))
	}

	var firstErr error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			s.logger.Warn("publish term message failed", zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish term message: %w", err)
			}
		}
	}
	return firstErr
}

// Close flushes pending messages and stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
