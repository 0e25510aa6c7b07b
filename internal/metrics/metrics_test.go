package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/projects/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/projects/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/projects/{id}", "418"))
	require.Equal(t, before+2, after)
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(oauthTransitions.WithLabelValues("notion", "CONNECTED"))
	RecordOAuthTransition("notion", "CONNECTED")
	require.Equal(t, before+1, testutil.ToFloat64(oauthTransitions.WithLabelValues("notion", "CONNECTED")))

	okBefore := testutil.ToFloat64(canvasSaves.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(canvasSaves.WithLabelValues("error"))
	RecordCanvasSave(nil)
	RecordCanvasSave(errors.New("boom"))
	require.Equal(t, okBefore+1, testutil.ToFloat64(canvasSaves.WithLabelValues("ok")))
	require.Equal(t, errBefore+1, testutil.ToFloat64(canvasSaves.WithLabelValues("error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordOAuthTransition("figma", "FAILED")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "momento_oauth_flow_transitions_total")
}
