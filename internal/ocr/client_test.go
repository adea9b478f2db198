package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_ReadForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req readRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/read", r.URL.Path)
		assert.Equal(t, 3, req.CandidateCount)
		assert.Equal(t, "proc-1", req.ProcessorID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"votes":[10,20,5],"invalid":2}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	r, err := c.ReadForm(context.Background(), "https://files/c1.jpg", 3, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 5}, r.Votes)
	assert.Equal(t, 2, r.Invalid)
}

func TestClient_ReadFormOrZero(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"wrong arity", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"votes":[1],"invalid":0}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(srv.URL, 100*time.Millisecond, zap.NewNop())
			r := c.ReadFormOrZero(context.Background(), "u", 3, "p")
			assert.Equal(t, Reading{Votes: []int{0, 0, 0}}, r)
		})
	}
}
