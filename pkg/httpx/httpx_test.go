package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetHTTPAdapterRoundTrip(t *testing.T) {
	h := NetHTTPAdapter(func(w ResponseWriter, r *Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/events", r.Path)
		require.Equal(t, "abc", r.Header.Get("X-Test"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, "payload", string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("payload"))
	req.Header.Set("X-Test", "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Equal(t, `{"ok":true}`, rr.Body.String())
}

func TestNetHTTPAdapterImplicitOK(t *testing.T) {
	h := NetHTTPAdapter(func(w ResponseWriter, r *Request) {
		_, _ = w.Write([]byte("hello"))
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "hello", rr.Body.String())
}
