package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestWithLoggerAndFromContext(t *testing.T) {
	logger, _ := newCaptureLogger()

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestFromContext_NoLoggerFallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestLogError(t *testing.T) {
	logger, buf := newCaptureLogger()

	LogError(logger, "fetch failed", errors.New("boom"), slog.String("station_id", "BikePoints_42"))

	out := buf.String()
	assert.Contains(t, out, "fetch failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "BikePoints_42")
	assert.Contains(t, out, "level=ERROR")
}

func TestLogOperation(t *testing.T) {
	logger, buf := newCaptureLogger()

	LogOperation(logger, "refreshing_station_data", slog.Int("count", 3))

	out := buf.String()
	assert.Contains(t, out, "operation=refreshing_station_data")
	assert.Contains(t, out, "count=3")
}

func TestLogHTTPRequest(t *testing.T) {
	logger, buf := newCaptureLogger()

	LogHTTPRequest(logger, "GET", "/healthz", 200, 1.25)

	out := buf.String()
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/healthz")
	assert.Contains(t, out, "status=200")
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

type okCloser struct{ closed bool }

func (c *okCloser) Close() error {
	c.closed = true
	return nil
}

func TestSafeCloseWithLogging(t *testing.T) {
	t.Run("logs close failure", func(t *testing.T) {
		logger, buf := newCaptureLogger()

		SafeCloseWithLogging(failingCloser{}, logger, "http_response_body")

		out := buf.String()
		assert.Contains(t, out, "failed to close resource")
		assert.Contains(t, out, "http_response_body")
	})

	t.Run("silent on success", func(t *testing.T) {
		logger, buf := newCaptureLogger()
		c := &okCloser{}

		SafeCloseWithLogging(c, logger, "store")

		require.True(t, c.closed)
		assert.Equal(t, 0, strings.Count(buf.String(), "\n"))
	})
}
