package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coswise/claude-code-by-agents/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestSetup_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout"}, &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "chat.dispatch", KeyRequestID.String("r1"))
	assert.True(t, span.SpanContext().IsValid())
	RecordError(span, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "chat.dispatch")
	assert.Contains(t, buf.String(), "r1")

	// Leave a noop provider behind for other tests.
	_, err = Setup(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
}
