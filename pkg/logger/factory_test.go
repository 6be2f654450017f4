package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults to JSON at info level", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf))

		log.Debug("hidden")
		assert.Empty(t, buf.Bytes())

		log.Info("shown")
		line := logLine(t, &buf)
		assert.Equal(t, "shown", line["msg"])
	})

	t.Run("text format", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithFormat(logger.FormatText))

		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() {
			logger.New(logger.WithFormat(logger.Format("xml")))
		})
	})

	t.Run("static attributes", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttr(logger.Component("quota-engine")),
		)

		log.Info("x")
		line := logLine(t, &buf)
		assert.Equal(t, "quota-engine", line["component"])
	})

	t.Run("environment preset", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithEnvironment("prod", "quota"),
			logger.WithOutput(&buf),
		)

		log.Info("x")
		line := logLine(t, &buf)
		assert.Equal(t, "quota", line["service"])
		assert.Equal(t, logger.EnvProduction, line["env"])
	})

	t.Run("development preset enables debug", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithDevelopment("quota"),
			logger.WithOutput(&buf),
		)

		log.Debug("verbose")
		assert.Contains(t, buf.String(), "verbose")
	})
}

type requestIDKey struct{}

func TestContextExtraction(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithContextValue("request_id", requestIDKey{}),
	)

	ctx := context.WithValue(context.Background(), requestIDKey{}, "req-42")
	log.InfoContext(ctx, "with id")

	line := logLine(t, &buf)
	assert.Equal(t, "req-42", line["request_id"])

	// Absent context value adds nothing.
	buf.Reset()
	log.InfoContext(context.Background(), "without id")
	line = logLine(t, &buf)
	_, ok := line["request_id"]
	assert.False(t, ok)
}

func TestAttrHelpers(t *testing.T) {
	t.Parallel()

	t.Run("error helper", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, slog.Attr{}, logger.Error(nil))
		attr := logger.Error(assert.AnError)
		assert.Equal(t, "error", attr.Key)
	})

	t.Run("errors skips nils", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, slog.Attr{}, logger.Errors(nil, nil))
		attr := logger.Errors(assert.AnError, nil)
		assert.Equal(t, "errors", attr.Key)
		assert.Len(t, attr.Value.Group(), 1)
	})

	t.Run("domain helpers", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "usage_type", logger.UsageType("template_generation").Key)
		assert.Equal(t, "plan", logger.Plan("pro").Key)
		assert.Equal(t, "period", logger.Period("2025-08").Key)
		assert.Equal(t, slog.Attr{}, logger.UserID(nil))
	})
}
