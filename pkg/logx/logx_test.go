package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "webhook"))
	log.Debug("hidden")
	log.Warn("delivery failed", Int("recipients", 2), Err(errors.New("forbidden")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]any{"level": "warn", "message": "delivery failed", "comp": "webhook", "recipients": float64(2), "err": "forbidden"}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s = %v, want %v", k, m[k], v)
		}
	}
	if caller, _ := m["caller"].(string); !strings.Contains(caller, "logx_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	log.Error("nowhere")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

type chatSink struct {
	mu   sync.Mutex
	chat []int64
	text []string
}

func (c *chatSink) SendLog(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = append(c.chat, chatID)
	c.text = append(c.text, text)
	return nil
}

func (c *chatSink) sent() ([]int64, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.chat), slices.Clone(c.text)
}

func TestTelegramSinkForwardsAboveMinLevel(t *testing.T) {
	sink := &chatSink{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: -100, MinLevel: "error", RatePerSec: 10},
	}, sink)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("send failed", String("channel", "seffyra"))

	deadline := time.Now().Add(2 * time.Second)
	var chats []int64
	var texts []string
	for time.Now().Before(deadline) {
		if chats, texts = sink.sent(); len(texts) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(texts) != 1 {
		t.Fatalf("expected exactly one forwarded line, got %q", texts)
	}
	if !strings.Contains(texts[0], "[ERROR] send failed") || !strings.Contains(texts[0], "- channel=seffyra") {
		t.Fatalf("unexpected text %q", texts[0])
	}
	if !slices.Equal(chats, []int64{-100}) {
		t.Fatalf("chat ids = %v", chats)
	}
}

func TestFormatTelegramJSONFallsBackToText(t *testing.T) {
	if got := formatTelegramJSON([]byte(" plain line \n")); got != "plain line" {
		t.Fatalf("got %q", got)
	}
}
