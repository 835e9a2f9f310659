package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration

	ObserveRun("crawl", "succeeded")
	ObserveReclaim()
	ObserveClaimConflict()
	ObservePostingDecision("inserted")
	ObserveInvalidRecord()
	ObserveInvalidated(3)
	ObserveInvalidated(0)
	ObserveFetch("crawl", 0)
	ObserveFetchRetry()
	IncActiveWorkers("validate")
	DecActiveWorkers("validate")
	SetQueueDepth("crawl", 7)
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveRun("crawl", "failed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "discovery_runs_total")
}
