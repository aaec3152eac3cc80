package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/staging"
)

func TestWriteError(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
		body   string
	}{
		{
			name:   "driver failure is hidden",
			err:    apperr.Persistence("insert lead", errors.New("disk I/O error at /var/lib/db")),
			status: http.StatusInternalServerError,
			code:   "persistence_failure",
			body:   "internal error",
		},
		{
			name:   "unclassified error is hidden",
			err:    errors.New("pq: password authentication failed"),
			status: http.StatusInternalServerError,
			code:   "persistence_failure",
			body:   "internal error",
		},
		{
			name:   "client error keeps its message",
			err:    apperr.InvalidInput("file is empty"),
			status: http.StatusBadRequest,
			code:   "invalid_input",
			body:   "invalid input: file is empty",
		},
		{
			name:   "batch state",
			err:    fmt.Errorf("merge: %w", &staging.InvalidBatchStateError{BatchID: "b1", From: staging.StatusMerged, To: staging.StatusRejected}),
			status: http.StatusConflict,
			code:   "invalid_batch_state",
			body:   "merge: batch b1: cannot move from merged to rejected",
		},
		{
			name:   "nothing entitled",
			err:    apperr.ErrNoEntitledRecords,
			status: http.StatusUnprocessableEntity,
			code:   "no_entitled_records",
			body:   "no entitled records",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.body, resp.Error)
		})
	}
}

func TestIsCSV(t *testing.T) {
	assert.True(t, isCSV("leads.CSV", "application/octet-stream"))
	assert.True(t, isCSV("export", "text/csv; charset=utf-8"))
	assert.False(t, isCSV("leads.xlsx", "application/octet-stream"))
	assert.False(t, isCSV("leads", ""))
}
