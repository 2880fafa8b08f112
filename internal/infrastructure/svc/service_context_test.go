package svc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/config"
	"botwatch/internal/infrastructure/storage/composite"
	"botwatch/internal/infrastructure/storage/sqlite"

	_ "botwatch/internal/infrastructure/exchange/binance"
)

func TestNewWithMemoryBackend(t *testing.T) {
	cfg, err := config.Parse(`
[feed]
ws_url = "wss://stream.binance.com:9443"

[storage]
backend = "memory"

[stores]
notification_capacity = 7
`)
	if err != nil {
		t.Fatal(err)
	}

	sc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sc.Close()

	if sc.Mux == nil || sc.Positions == nil || sc.Monitor == nil {
		t.Fatalf("pipeline components missing")
	}
	if sc.Sink != nil {
		t.Errorf("console sink should be off by default")
	}
	if d := sc.HTTPDeps(); d.History != nil {
		t.Errorf("history reader should be nil without sqlite history")
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := sc.Notifications.Append(ctx, domain.EventFields{Type: domain.NotificationInfo, Message: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(sc.Notifications.Entries()); n != 7 {
		t.Errorf("expected capacity 7, got %d", n)
	}
}

func TestNewWithSQLiteMirrorAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse(`
[feed]
ws_url = "wss://stream.binance.com:9443"

[storage]
backend = "memory"
mirrors = ["sqlite"]

[sqlite]
path = "` + filepath.ToSlash(filepath.Join(dir, "bw.db")) + `"
history = true
`)
	if err != nil {
		t.Fatal(err)
	}

	sc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sc.Close()

	if _, ok := sc.KV.(*composite.Repo); !ok {
		t.Errorf("expected composite KV, got %T", sc.KV)
	}
	if sc.History == nil {
		t.Fatalf("expected history repo")
	}
	if _, ok := sc.HTTPDeps().History.(*sqlite.HistoryRepo); !ok {
		t.Errorf("expected history reader to be wired")
	}
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	cfg, err := config.Parse(`
[feed]
ws_url = "wss://stream.binance.com:9443"

[storage]
backend = "redis"

[redis]
addr = "127.0.0.1:1"
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrStorageInitFailed) {
		t.Errorf("expected ErrStorageInitFailed, got %v", err)
	}
}
