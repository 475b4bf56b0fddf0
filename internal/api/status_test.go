package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
)

type fakeQueueStats struct {
	counts map[domain.Stage]int
	err    error
}

func (f *fakeQueueStats) StageCounts(_ context.Context) (map[domain.Stage]int, error) {
	return f.counts, f.err
}

type fakeWorkerStats struct{}

func (fakeWorkerStats) Stats() map[string]int64 {
	return map[string]int64{"busy": 1, "completed": 10, "failed": 2}
}

func TestHealthz(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	srv := NewStatusServer(db, &fakeQueueStats{}, fakeWorkerStats{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthzUnhealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(assert.AnError)

	srv := NewStatusServer(db, &fakeQueueStats{}, fakeWorkerStats{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueStats(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	stats := &fakeQueueStats{counts: map[domain.Stage]int{
		domain.StagePending:   3,
		domain.StageCompleted: 7,
	}}
	srv := NewStatusServer(db, stats, fakeWorkerStats{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stages  map[string]int   `json:"stages"`
		Workers map[string]int64 `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Stages["IMPORT_PENDING"])
	assert.Equal(t, 7, body.Stages["IMPORT_COMPLETED"])
	assert.Equal(t, int64(10), body.Workers["completed"])
}
