package liveness

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHeartbeat(t *testing.T) {
	check := NewCheckCollector(50 * time.Millisecond).NewCheck()

	// a check that never checked in is not live
	assert.False(t, check.IsLive(0))

	check.CheckIn()
	assert.True(t, check.IsLive(0))

	// once the tolerance elapses without a heartbeat, the check goes stale
	time.Sleep(60 * time.Millisecond)
	assert.False(t, check.IsLive(0))

	// a wider explicit tolerance still accepts the old heartbeat
	assert.True(t, check.IsLive(time.Minute))
}

func TestCheckCollectorServeHTTP(t *testing.T) {
	collector := NewCheckCollector(time.Minute)
	first := collector.NewCheck()
	second := collector.NewCheck()

	first.CheckIn()
	second.CheckIn()

	rec := httptest.NewRecorder()
	collector.ServeHTTP(rec, httptest.NewRequest("GET", "/live", nil))
	require.Equal(t, 200, rec.Code)

	// one stale check marks the whole collector not live
	stale := collector.NewCheck()
	_ = stale

	rec = httptest.NewRecorder()
	collector.ServeHTTP(rec, httptest.NewRequest("GET", "/live", nil))
	require.Equal(t, 503, rec.Code)
}
