package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "trades.settled", "BTC_USD", map[string]string{"trade_id": "t-1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	record, ok := dlq.calls[0].value.(FailedPublish)
	if !ok {
		t.Fatalf("expected FailedPublish, got %T", dlq.calls[0].value)
	}
	if record.OriginalTopic != "trades.settled" || record.Error == "" {
		t.Fatalf("unexpected record: %+v", record)
	}
	raw, err := base64.StdEncoding.DecodeString(record.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded["trade_id"] != "t-1" {
		t.Fatalf("unexpected payload %s (%v)", raw, err)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "trades.settled", "BTC_USD", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerSendsJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mock := mocks.NewSyncProducer(t, cfg)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded["market"] != "BTC_USD" {
			return errors.New("unexpected market")
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := newSyncProducer(mock, nil, nil)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "trades.settled", "BTC_USD", map[string]string{"market": "BTC_USD"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := producer.PublishJSON(context.Background(), "trades.settled", "BTC_USD", map[string]string{"market": "BTC_USD"}); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("trade", "t-1")
	b := DeterministicEventID("trade", "t-1")
	c := DeterministicEventID("trade", "t-2")
	if a != b {
		t.Fatalf("expected stable ids, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids")
	}

	env, err := NewEnvelope(a, "trade.settled", 1, "ledger", "t-1")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.EventID != a || env.Timestamp.IsZero() {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := NewEnvelope("", "", 1, "ledger", ""); err == nil {
		t.Fatalf("expected error for missing event type")
	}
}
