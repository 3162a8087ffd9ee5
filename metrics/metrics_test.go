package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveStage(t *testing.T) {
	before := testutil.ToFloat64(StageRowsIn.WithLabelValues("test-stage"))

	ObserveStage("test-stage", 10, 7, 250*time.Millisecond)

	assert.Equal(t, before+10, testutil.ToFloat64(StageRowsIn.WithLabelValues("test-stage")))
	assert.Equal(t, 7.0, testutil.ToFloat64(StageRowsOut.WithLabelValues("test-stage")))
}

func TestObserveQuarantineAndRuns(t *testing.T) {
	ObserveQuarantine(map[string]int{"energy_rating:not_allowed": 3, "floor_area:missing": 1})
	ObserveRun("succeeded")

	assert.Equal(t, 3.0, testutil.ToFloat64(QuarantinedRows.WithLabelValues("energy_rating:not_allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QuarantinedRows.WithLabelValues("floor_area:missing")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(Runs.WithLabelValues("succeeded")), 1.0)
}
