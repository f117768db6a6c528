package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(FramesTotal.WithLabelValues("text"))
	FramesTotal.WithLabelValues("text").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FramesTotal.WithLabelValues("text")))
}
