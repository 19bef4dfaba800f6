package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want JSON by default")
	}
	if cfg.Service != "sp-ingest" {
		t.Errorf("Service = %q", cfg.Service)
	}
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  LogLevel
		pretty bool
		write  func(l zerolog.Logger)
		want   string
	}{
		{"info", LevelInfo, false, func(l zerolog.Logger) { l.Info().Msg("run started") }, `"message":"run started"`},
		{"debug", LevelDebug, false, func(l zerolog.Logger) { l.Debug().Msg("request") }, `"level":"debug"`},
		{"warn", LevelWarn, false, func(l zerolog.Logger) { l.Warn().Msg("retry") }, `"level":"warn"`},
		{"pretty", LevelInfo, true, func(l zerolog.Logger) { l.Info().Msg("console line") }, "console line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Pretty: tt.pretty, Output: buf, Service: "sp-ingest"})

			tt.write(logger)

			output := buf.String()
			if !strings.Contains(output, tt.want) {
				t.Errorf("output = %q, want containing %q", output, tt.want)
			}
			if !tt.pretty && !strings.Contains(output, `"service":"sp-ingest"`) {
				t.Errorf("output = %q, want service field", output)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("orchestrator")
	logger.Info().Msg("chunk done")

	output := buf.String()
	if !strings.Contains(output, `"component":"orchestrator"`) {
		t.Errorf("output = %q, want component field", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("test")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	output := buf.String()
	for _, hidden := range []string{"debug message", "info message"} {
		if strings.Contains(output, hidden) {
			t.Errorf("%q should be filtered at warn level", hidden)
		}
	}
	for _, shown := range []string{"warn message", "error message"} {
		if !strings.Contains(output, shown) {
			t.Errorf("%q should pass at warn level", shown)
		}
	}
}

func TestGormLogger_Trace(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	sql := func() (string, int64) { return "SELECT 1", 1 }
	ctx := context.Background()

	tests := []struct {
		name  string
		level gormlogger.LogLevel
		begin time.Time
		err   error
		want  string
	}{
		{"query error", gormlogger.Warn, time.Now(), errors.New("deadlock"), "Query failed"},
		{"not found is quiet", gormlogger.Warn, time.Now(), gorm.ErrRecordNotFound, ""},
		{"slow query", gormlogger.Warn, time.Now().Add(-time.Second), nil, "Slow query"},
		{"fast query at warn", gormlogger.Warn, time.Now(), nil, ""},
		{"fast query at info", gormlogger.Info, time.Now(), nil, `"sql":"SELECT 1"`},
		{"silent", gormlogger.Silent, time.Now(), errors.New("deadlock"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := NewGormLogger(zerolog.New(buf), 200*time.Millisecond).LogMode(tt.level)

			l.Trace(ctx, tt.begin, sql, tt.err)

			output := buf.String()
			if tt.want == "" {
				if output != "" {
					t.Errorf("output = %q, want nothing", output)
				}
				return
			}
			if !strings.Contains(output, tt.want) {
				t.Errorf("output = %q, want containing %q", output, tt.want)
			}
		})
	}
}
