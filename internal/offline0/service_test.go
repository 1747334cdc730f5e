package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, extra string) (*Service, *testOrigin) {
	t.Helper()
	origin := newTestOrigin(t)
	doc := fmt.Sprintf(`
server:
  origin: %s
generation: v1
strategy: network-first
precache:
  urls: ["/", "/offline.html"]
fallback:
  document: /offline.html
%s`, origin.Server.URL, extra)
	cfg, err := parseConfig([]byte(doc), t.TempDir())
	require.NoError(t, err)

	svc, err := NewService(cfg, zerolog.Nop())
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	require.Eventually(t, func() bool {
		return svc.lifecycle.Status().State == StateActivated
	}, 5*time.Second, 10*time.Millisecond)
	return svc, origin
}

func serve(svc *Service, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServiceProxiesThroughEngine(t *testing.T) {
	svc, _ := newTestService(t, "")

	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/app.js?v=2", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/app.js@v1", rec.Body.String())
	assert.Equal(t, OutcomeNetwork, rec.Header().Get(OutcomeHeader))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), OutcomeHeader)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == ClientCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "client cookie issued")

	req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader("a=1"))
	req.AddCookie(cookie)
	rec = serve(svc, req)
	assert.Equal(t, "/form@v1", rec.Body.String())
	assert.Equal(t, OutcomeBypass, rec.Header().Get(OutcomeHeader))
	assert.Empty(t, rec.Result().Cookies(), "known client gets no new cookie")

	cs, err := svc.clients.Clients(context.Background())
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "v1", cs[0].Controller)
}

func TestServiceServesPrecachedWhenOriginIsDown(t *testing.T) {
	svc, origin := newTestService(t, "")
	origin.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := serve(svc, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/@v1", rec.Body.String())
	assert.Equal(t, OutcomeHit, rec.Header().Get(OutcomeHeader))

	req = httptest.NewRequest(http.MethodGet, "/somewhere", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec = serve(svc, req)
	assert.Equal(t, "/offline.html@v1", rec.Body.String())
	assert.Equal(t, OutcomeFallback, rec.Header().Get(OutcomeHeader))

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/api/data.json", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, OutcomeError, rec.Header().Get(OutcomeHeader))
}

func TestControlMessage(t *testing.T) {
	svc, _ := newTestService(t, "")

	rec := serve(svc, httptest.NewRequest(http.MethodPost, "/.offline0/message", strings.NewReader(`{"type":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody perrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, string(perrors.CodeInvalidInput), errBody.Code)

	rec = serve(svc, httptest.NewRequest(http.MethodPost, "/.offline0/message", strings.NewReader(`{"type":"SKIP_WAITING"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-svc.lifecycle.skipCh:
	default:
		t.Fatal("SKIP_WAITING not delivered")
	}

	rec = serve(svc, httptest.NewRequest(http.MethodPost, "/.offline0/message", strings.NewReader(`{"type":"HELLO"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestControlStatus(t *testing.T) {
	svc, _ := newTestService(t, "")
	serve(svc, httptest.NewRequest(http.MethodGet, "/", nil))

	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/.offline0/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "v1", st.Lifecycle.Generation)
	assert.Equal(t, StateActivated, st.Lifecycle.State)
	assert.EqualValues(t, 2, st.Lifecycle.Precached)
	assert.Equal(t, "v1", st.Serving)
	assert.Equal(t, NetworkFirst, st.Strategy)
	assert.Equal(t, "memory", st.Storage.Driver)
	assert.Positive(t, st.Storage.Bytes)
	assert.Equal(t, 1, st.Clients)
	assert.EqualValues(t, 1, st.Responses.Network)
}

func TestServiceWithLevelDBStorage(t *testing.T) {
	dir := t.TempDir()
	svc, _ := newTestService(t, fmt.Sprintf("storage:\n  driver: leveldb\n  path: %s\n", dir))

	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", svc.engine.Current())
	assert.FileExists(t, dir+"/CURRENT")
}
