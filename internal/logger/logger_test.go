package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelDebug,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("debug") })

	SetLevel("warn")
	assert.Equal(t, "warn", GetLevel())
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))
	log.Info("[Test] dropped")
	log.Warn("[Test] kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "[WARN] [Test] kept")
}

func TestLineHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("component", "registrar").WithGroup("req")
	log.Info("[REGISTER] Success", "aor", "sip:1000@example.com", "bindings", 2)

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "[INFO] [REGISTER] Success component=registrar req.aor=sip:1000@example.com req.bindings=2")
}

func TestJSONParsingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONParsingWriter(&buf)

	in := `{"level":"debug","caller":"x.go:1","time":"2026-01-01T12:30:45Z","message":"UDP read","src":"10.0.0.2:5060","len":512}` + "\n"
	n, err := w.Write([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, len(in), n)
	assert.Equal(t, "[12:30:45] [DEBUG] UDP read len=512 src=10.0.0.2:5060\n", buf.String())

	buf.Reset()
	_, err = w.Write([]byte("plain line\n"))
	require.NoError(t, err)
	assert.Equal(t, "plain line\n", buf.String())
}

func TestInitLoggerRoutesZerolog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	InitLogger(&buf)

	slog.Info("[Test] from slog")
	zlog.Info().Str("transport", "udp").Msg("from zerolog")

	out := buf.String()
	assert.Contains(t, out, "[INFO] [Test] from slog")
	assert.Contains(t, out, "[INFO] from zerolog transport=udp")
}
