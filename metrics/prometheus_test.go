package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	p := NewPrometheus("overflow")

	p.OfferedObject(100)
	p.OfferedObject(50)
	p.PolledObject(100)
	p.PushedObjects(3, 300)
	p.SegmentCreated()
	p.SegmentCreated()
	p.SegmentDeleted()
	p.SetQueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.offeredObjects))
	assert.Equal(t, 150.0, testutil.ToFloat64(p.offeredBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.polledObjects))
	assert.Equal(t, 100.0, testutil.ToFloat64(p.polledBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.pushedObjects))
	assert.Equal(t, 300.0, testutil.ToFloat64(p.pushedBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.segmentsMade))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.segmentsGone))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.queueDepth))

	require.NotNil(t, p.Handler())
}
