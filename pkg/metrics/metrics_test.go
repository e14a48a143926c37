package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestRecordSourceFetch(t *testing.T) {
	before := testutil.ToFloat64(SourceFetchTotal.WithLabelValues("test-source", "timeout"))
	RecordSourceFetch("test-source", "timeout", 20*time.Millisecond)
	after := testutil.ToFloat64(SourceFetchTotal.WithLabelValues("test-source", "timeout"))
	assert.Equal(t, before+1, after)
}

func TestRecordCoalesced(t *testing.T) {
	before := testutil.ToFloat64(CoalescedRequestsTotal)
	RecordCoalesced()
	RecordCoalesced()
	assert.Equal(t, before+2, testutil.ToFloat64(CoalescedRequestsTotal))
}
