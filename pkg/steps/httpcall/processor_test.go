package httpcall

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessor() *Processor {
	return NewProcessor(http.DefaultClient, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessor_Process(t *testing.T) {
	var (
		gotMethod      string
		gotContentType string
		gotTrace       string
		gotBody        map[string]any
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotTrace = r.Header.Get("X-Trace")

		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}

		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"id":42}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	run := models.NewRunContext("exec-1", "wf-1", map[string]any{"trace": "abc"}, nil)

	t.Run("successful json response", func(t *testing.T) {
		result, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:     server.URL + "/ok",
			Method:  "post",
			Headers: map[string]string{"X-Trace": "{{ .vars.trace }}"},
			Body:    map[string]any{"name": "widget"},
		}, run)
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, map[string]any{"status": 200, "data": map[string]any{"id": 42.0}}, result.Result)
		assert.Equal(t, "POST", gotMethod)
		assert.Equal(t, "application/json", gotContentType)
		assert.Equal(t, "abc", gotTrace)
		assert.Equal(t, map[string]any{"name": "widget"}, gotBody)
	})

	t.Run("error status is not a processor error", func(t *testing.T) {
		result, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:    server.URL + "/missing",
			Method: "GET",
		}, run)
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, 404, result.Result.(map[string]any)["status"])
	})

	t.Run("non json body fails", func(t *testing.T) {
		_, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:    server.URL + "/text",
			Method: "GET",
		}, run)
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("network failure", func(t *testing.T) {
		_, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:    "http://127.0.0.1:1/unreachable",
			Method: "GET",
		}, run)
		assert.ErrorIs(t, err, ErrRequestFailed)
	})

	t.Run("templated url", func(t *testing.T) {
		templated := models.NewRunContext("exec-1", "wf-1", map[string]any{"base": server.URL}, nil)

		result, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:    "{{ .vars.base }}/ok",
			Method: "GET",
		}, templated)
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("templated url rendering to an invalid url", func(t *testing.T) {
		_, err := newProcessor().Process(context.Background(), &models.APICallConfig{
			URL:    "{{ .vars.trace }}/ok",
			Method: "GET",
		}, run)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid url")
	})

	t.Run("wrong config type", func(t *testing.T) {
		_, err := newProcessor().Process(context.Background(), &models.DelayConfig{}, run)
		assert.Error(t, err)
	})
}
