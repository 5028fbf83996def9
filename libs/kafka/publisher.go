package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// FailedPublish is written to the dead-letter topic when a publish to the
// primary topic fails.
type FailedPublish struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewFailedPublish(topic, key string, value any, err error, reason string) FailedPublish {
	var raw []byte
	if value != nil {
		encoded, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			encoded = []byte(fmt.Sprintf("%v", value))
		}
		raw = encoded
	}
	record := FailedPublish{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Payload:       base64.StdEncoding.EncodeToString(raw),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
	}
	return record
}

// DLQPublisher publishes through primary and diverts failed messages to a
// dead-letter topic. The original error is still returned.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
	}
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}
	record := NewFailedPublish(topic, key, value, err, "publish_failed")
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, record); dlqErr != nil {
		p.logger.Error("publish dlq failed", "topic", p.dlqTopic, "error", dlqErr)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}
