package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func readiness(t *testing.T, checks *Checks) (int, Status) {
	t.Helper()
	rec := httptest.NewRecorder()
	checks.Readiness()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec.Code, status
}

func TestChecks(t *testing.T) {
	t.Parallel()

	checks := New(zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	checks.Liveness()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	code, status := readiness(t, checks)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, status.Ready)
	assert.Empty(t, status.Subgraphs)

	checks.GraphSwapped([]string{"products", "accounts"})
	checks.SetReady(true)
	code, status = readiness(t, checks)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Status{Ready: true, Generation: 1, Subgraphs: []string{"accounts", "products"}}, status)

	checks.GraphSwapped([]string{"products"})
	checks.SetReady(false)
	code, status = readiness(t, checks)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, uint64(2), status.Generation)
	assert.Equal(t, []string{"products"}, status.Subgraphs)
}
