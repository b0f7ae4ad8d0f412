package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPCapability_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cap := NewHTTPCapability()
	out, err := cap.Invoke(t.Context(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer tok"},
	})
	require.NoError(t, err)
	require.Equal(t, 200, out["status_code"])
	require.Equal(t, `{"ok":true}`, out["body"])
}

func TestHTTPCapability_POST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cap := NewHTTPCapability()
	out, err := cap.Invoke(t.Context(), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   `{"name":"x"}`,
	})
	require.NoError(t, err)
	require.Equal(t, 201, out["status_code"])
}

func TestHTTPCapability_RejectsMissingURL(t *testing.T) {
	cap := NewHTTPCapability()
	_, err := cap.Invoke(t.Context(), map[string]any{})
	require.Error(t, err)
}

func TestHTTPCapability_RejectsUnsupportedMethod(t *testing.T) {
	cap := NewHTTPCapability()
	_, err := cap.Invoke(t.Context(), map[string]any{"url": "http://example.com", "method": "DELETE"})
	require.Error(t, err)
}
