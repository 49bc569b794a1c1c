package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/config"
	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/modmail"
)

func TestServerConfigFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.JWTSecret = "secret"
	cfg.Server.RateLimitMax = 30
	cfg.Server.MaxBodyBytes = config.SizeBytes(2 << 20)

	got := serverConfig(cfg)
	if got.JWTSecret != "secret" || got.RateLimitMax != 30 {
		t.Fatalf("unexpected server config: %+v", got)
	}
	if got.InternalMaxSkew != 5*time.Minute || got.RateLimitWindow != time.Minute {
		t.Fatalf("expected defaults to carry over, got %+v", got)
	}
	if got.MaxBodyBytes != 2<<20 {
		t.Fatalf("expected 2MiB body limit, got %d", got.MaxBodyBytes)
	}
}

func TestBuildPublisherWithoutAMQPUsesHub(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	feed, cancel := hub.Subscribe("")
	defer cancel()

	publisher, err := buildPublisher(config.Default(), hub, zap.NewNop())
	if err != nil {
		t.Fatalf("build publisher: %v", err)
	}
	if err := publisher.Publish(context.Background(), events.New(events.ThreadReady, "101")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-feed:
		if ev.ThreadID != "101" {
			t.Fatalf("expected event for 101, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the hub to receive the event")
	}
}

func TestReloadSettingsStoresNewSettings(t *testing.T) {
	store := modmail.NewSettingsStore(modmail.DefaultSettings())
	cfg := config.Default()
	cfg.GuildID = "555"

	reloadSettings(store, zap.NewNop())(cfg)

	if got := store.Load().GuildID; got != "555" {
		t.Fatalf("expected reloaded guild 555, got %q", got)
	}
}

func TestDispatcherOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	opts := dispatcherOptions(cfg, nil, nil, nil, zap.NewNop())
	if opts.Workers != 8 || opts.QueueCapacity != 256 {
		t.Fatalf("expected default dispatcher sizing, got %+v", opts)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("MODMAIL_TEST_CONFIG", " custom.yaml ")
	if got := envOrDefault("MODMAIL_TEST_CONFIG", "modmail.yaml"); got != "custom.yaml" {
		t.Fatalf("expected trimmed env value, got %q", got)
	}
	if got := envOrDefault("MODMAIL_TEST_CONFIG_UNSET", "modmail.yaml"); got != "modmail.yaml" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
