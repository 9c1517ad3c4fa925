package mq

import (
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{ID: "alice:7", Body: []byte(`{"type":"launched"}`), Timestamp: ts}
	msg.SetHeader("event", "launched")

	km := toKafkaMessage("instance.lifecycle", msg)
	if km.Topic != "instance.lifecycle" {
		t.Fatalf("unexpected topic: %s", km.Topic)
	}
	if string(km.Key) != "alice:7" {
		t.Fatalf("unexpected key: %s", km.Key)
	}
	if !km.Time.Equal(ts) {
		t.Fatalf("unexpected time: %v", km.Time)
	}

	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "launched" {
		t.Fatalf("custom header missing: %v", headers)
	}
	if headers[headerID] != "alice:7" {
		t.Fatalf("id header missing: %v", headers)
	}
	if headers[headerTimestamp] != ts.Format(time.RFC3339Nano) {
		t.Fatalf("timestamp header mismatch: %v", headers)
	}
}

func TestToKafkaMessageFillsTimestamp(t *testing.T) {
	msg := &Message{Body: []byte("x")}
	km := toKafkaMessage("t", msg)
	if km.Time.IsZero() || msg.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.config.BatchSize != 100 || p.config.DialTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", p.config)
	}
	_ = p.Close()
}
