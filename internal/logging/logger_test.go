// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"bogus", zerolog.InfoLevel},
		{"  debug  ", zerolog.DebugLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInitWritesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("peer", "jellyfin-a").Msg("peer registered")

	out := buf.String()
	if !strings.Contains(out, `"peer":"jellyfin-a"`) {
		t.Errorf("expected peer field in output, got %q", out)
	}
	if !strings.Contains(out, "peer registered") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestCtxCarriesIDs(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(DefaultConfig())

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithCorrelationID(ctx, "abcd1234")

	log := Ctx(ctx)
	log.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("missing request_id, got %q", out)
	}
	if !strings.Contains(out, `"correlation_id":"abcd1234"`) {
		t.Errorf("missing correlation_id, got %q", out)
	}
}

func TestCtxWithoutIDs(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(DefaultConfig())

	log := Ctx(context.Background())
	log.Info().Msg("plain")

	out := buf.String()
	if strings.Contains(out, "request_id") {
		t.Errorf("unexpected request_id in output: %q", out)
	}
}

func TestGenerateCorrelationID(t *testing.T) {
	id := GenerateCorrelationID()
	if len(id) != 8 {
		t.Errorf("correlation ID length = %d, want 8", len(id))
	}
	if id == GenerateCorrelationID() {
		t.Error("expected distinct correlation IDs")
	}
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(DefaultConfig())

	l := Slog().With("service", "worker")
	l.Info("started", "tick", 5)

	out := buf.String()
	if !strings.Contains(out, `"service":"worker"`) {
		t.Errorf("missing service attr, got %q", out)
	}
	if !strings.Contains(out, `"tick":5`) {
		t.Errorf("missing tick attr, got %q", out)
	}
}
