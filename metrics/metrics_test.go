package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "/", want: "/"},
		{raw: "/healthz", want: "/healthz"},
		{raw: "/api/orders/ORD-abc/cancel", want: "/api/orders/:id/cancel"},
		{raw: "/api/admin/users/user-1/credit", want: "/api/admin/users/:id/credit"},
		{raw: "/api/discounts/validate", want: "/api/discounts/validate"},
		{raw: "/api/admin/discounts/SAVE10/deactivate", want: "/api/admin/discounts/:id/deactivate"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, canonicalPath(tt.raw))
		})
	}
}

func TestInstrumentHandler_ExposesRequestCounter(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders/ORD-1", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `coinshop_http_requests_total{method="GET",path="/api/orders/:id",status="418"}`)
}
