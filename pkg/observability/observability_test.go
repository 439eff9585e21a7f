package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceVersion: "2.1.0"})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Every recording path must be callable with export disabled.
	ctx, done := p.TrackOperation(context.Background(), "load_batch",
		attribute.String("table", "propostas"))
	assert.NotNil(t, ctx)
	done(nil)
	done2 := func() {
		_, d := p.TrackOperation(context.Background(), "parse_file")
		d(errors.New("boom"))
	}
	assert.NotPanics(t, done2)
	assert.NotPanics(t, func() { p.RecordRun(context.Background()) })
	assert.NotPanics(t, func() { p.RecordRecords(context.Background(), 42) })
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTracerNeverNil(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}
