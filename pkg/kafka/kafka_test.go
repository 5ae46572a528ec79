package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type topicHandler string

func (h topicHandler) Topic() string { return string(h) }

func (h topicHandler) Handle(context.Context, []byte) error { return nil }

func TestShardForKeepsPartitionOnOneWorker(t *testing.T) {
	for p := 0; p < 12; p++ {
		a, b := shardFor(p, 4), shardFor(p, 4)
		if a != b || a < 0 || a >= 4 {
			t.Fatalf("partition %d -> %d/%d", p, a, b)
		}
	}
	if shardFor(7, 1) != 0 || shardFor(-1, 3) != 0 {
		t.Fatal("degenerate inputs must map to shard 0")
	}
}

func TestBackoffBounds(t *testing.T) {
	min, max := 100*time.Millisecond, time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoff(min, max, attempt)
			if d <= 0 || d > max {
				t.Fatalf("attempt %d: backoff %v out of (0, %v]", attempt, d, max)
			}
		}
	}
	// at the cap jitter never takes more than half
	if d := backoff(min, max, 10); d < max/2 {
		t.Fatalf("capped backoff %v below half of max", d)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{[]byte("raw"), "raw"},
		{"text", "text"},
		{map[string]int{"count": 3}, `{"count":3}`},
	}
	for _, tt := range tests {
		got, err := encode(tt.in)
		if err != nil {
			t.Fatalf("encode(%v): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Fatalf("encode(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := encode(make(chan int)); err == nil {
		t.Fatal("expected error for unencodable value")
	}
}

func TestCodec(t *testing.T) {
	if codec("zstd") != kafka.Zstd || codec("gzip") != kafka.Gzip || codec("") != kafka.Snappy {
		t.Fatal("unexpected codec mapping")
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewProducer(); err == nil {
		t.Fatal("producer without brokers must fail")
	}
	if _, err := NewConsumer(topicHandler("bars"), nil); err == nil {
		t.Fatal("consumer without brokers must fail")
	}
	if _, err := NewConsumer(topicHandler(""), nil, WithConsumerBrokers("localhost:9092")); err == nil {
		t.Fatal("consumer without topic must fail")
	}
}
