package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info().Msg("dropped")
	l.Warn().Str("seat_id", "seat-1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "seat-1", entry["seat_id"])
	assert.Equal(t, "blureserve", entry["service"])

	buf.Reset()
	cl := New(&buf, "bogus", "console")
	cl.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestFromContext_DefaultsToDisabled(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info().Msg("goes nowhere")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", "json")

	h := middleware.RequestID(RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusTeapot)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/seats", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var inner, access map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &inner))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &access))
	assert.NotEmpty(t, inner["request_id"])
	assert.Equal(t, inner["request_id"], access["request_id"])
	assert.Equal(t, "/api/seats", access["path"])
	assert.Equal(t, float64(http.StatusTeapot), access["status"])
}
