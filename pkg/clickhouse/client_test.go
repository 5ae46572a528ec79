package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func TestOptions(t *testing.T) {
	opts := options(Config{
		Host:         "ch.local",
		Port:         9440,
		User:         "dash",
		Password:     "secret",
		UseHTTP:      true,
		AsyncInsert:  true,
		WaitForAsync: true,
		MaxExecTime:  90 * time.Second,
	})

	if got := opts.Addr[0]; got != "ch.local:9440" {
		t.Fatalf("addr = %q", got)
	}
	if opts.Protocol != clickhouse.HTTP {
		t.Fatalf("protocol = %v, want http", opts.Protocol)
	}
	if opts.Auth.Database != "default" || opts.Auth.Username != "dash" {
		t.Fatalf("auth = %+v", opts.Auth)
	}
	if opts.Settings["max_execution_time"] != 90 {
		t.Fatalf("max_execution_time = %v", opts.Settings["max_execution_time"])
	}
	if opts.Settings["async_insert"] != 1 || opts.Settings["wait_for_async_insert"] != 1 {
		t.Fatalf("async settings = %v", opts.Settings)
	}
	if opts.MaxOpenConns != 10 || opts.ConnMaxLifetime != 5*time.Minute {
		t.Fatalf("pool defaults not applied: %d %v", opts.MaxOpenConns, opts.ConnMaxLifetime)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := options(Config{Host: "localhost"})
	if opts.Addr[0] != "localhost:9000" {
		t.Fatalf("addr = %q", opts.Addr[0])
	}
	if opts.Protocol != clickhouse.Native {
		t.Fatalf("protocol = %v", opts.Protocol)
	}
	if len(opts.Settings) != 0 {
		t.Fatalf("unexpected settings %v", opts.Settings)
	}
}

func TestOpenRequiresHost(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without host")
	}
}
