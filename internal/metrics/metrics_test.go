package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDebugMuxServesMetricsAndHealthz(t *testing.T) {
	m := New()
	m.SetSessionsActive(3)
	m.FetchCompleted(true)
	m.FetchCompleted(false)
	m.AnnouncementRelayed("RefsAnnouncement")

	mux := m.DebugMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "driftwood_sessions_active 3"))
	require.True(t, strings.Contains(body, "driftwood_fetches_succeeded_total 1"))
	require.True(t, strings.Contains(body, "driftwood_fetches_failed_total 1"))
	require.True(t, strings.Contains(body, `driftwood_announcements_relayed_total{kind="RefsAnnouncement"} 1`))
}
