package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

func localProviderConfig() *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent: "scrape2-sub001-test/1.0",
		Provider: config.ProviderConfig{
			Type: "local",
			Proxies: []config.ProxyEndpoint{
				{ID: "dc-1", Type: models.ProxyDatacenter, Geo: "us", URL: "http://dc1.proxy.test:8080"},
				{ID: "dc-2", Type: models.ProxyDatacenter, Geo: "de", URL: "http://dc2.proxy.test:8080"},
				{ID: "res-1", Type: models.ProxyResidential, Geo: "us", URL: "http://res1.proxy.test:8080"},
			},
		},
	}
}

func TestLocalProvider_PageCacheFollowsConfig(t *testing.T) {
	cfg := localProviderConfig()
	cfg.Cache = config.CacheConfig{MaxSizeBytes: 1 << 20, TTL: time.Minute}
	provider := NewLocalProvider(cfg, nil, poolLogger())

	s, err := provider.CreateSession(context.Background(), models.SessionSpec{ProxyType: models.ProxyNone})
	require.NoError(t, err)
	_, cached := s.Page().CacheStats()
	assert.True(t, cached, "page should carry its own cache")

	cfg.Cache.Disabled = true
	s, err = provider.CreateSession(context.Background(), models.SessionSpec{ProxyType: models.ProxyNone})
	require.NoError(t, err)
	_, cached = s.Page().CacheStats()
	assert.False(t, cached)
}

func TestLocalProvider_NoProxySession(t *testing.T) {
	provider := NewLocalProvider(localProviderConfig(), nil, poolLogger())

	s, err := provider.CreateSession(context.Background(), models.SessionSpec{ProxyType: models.ProxyNone})
	require.NoError(t, err)
	require.NotNil(t, s.Page())

	d := s.Descriptor()
	assert.Equal(t, s.ID, d.ID)
	assert.Equal(t, models.ProxyNone, d.ProxyType)
	assert.Empty(t, d.ProxyID)
}

func TestLocalProvider_RotatesEndpointsWithinType(t *testing.T) {
	provider := NewLocalProvider(localProviderConfig(), nil, poolLogger())

	var picked []string
	for i := 0; i < 3; i++ {
		s, err := provider.CreateSession(context.Background(), models.SessionSpec{ProxyType: models.ProxyDatacenter})
		require.NoError(t, err)
		picked = append(picked, s.Spec.ProxyID)
	}
	assert.Equal(t, []string{"dc-1", "dc-2", "dc-1"}, picked)
}

func TestLocalProvider_GeoNarrowsCandidates(t *testing.T) {
	provider := NewLocalProvider(localProviderConfig(), nil, poolLogger())

	s, err := provider.CreateSession(context.Background(),
		models.SessionSpec{ProxyType: models.ProxyDatacenter, ProxyGeo: "DE"})
	require.NoError(t, err)
	assert.Equal(t, "dc-2", s.Spec.ProxyID)
	assert.Equal(t, "de", s.Spec.ProxyGeo)
}

func TestLocalProvider_ExplicitProxyID(t *testing.T) {
	provider := NewLocalProvider(localProviderConfig(), nil, poolLogger())

	s, err := provider.CreateSession(context.Background(), models.SessionSpec{
		ProxyType: models.ProxyResidential,
		ProxyID:   "res-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://res1.proxy.test:8080", s.Spec.ProxyURL)
	assert.Equal(t, "us", s.Spec.ProxyGeo)

	_, err = provider.CreateSession(context.Background(), models.SessionSpec{
		ProxyType: models.ProxyDatacenter,
		ProxyID:   "no-such",
	})
	assert.ErrorIs(t, err, utils.ErrProviderCreate)
}

func TestLocalProvider_NoMatchingEndpoint(t *testing.T) {
	cfg := localProviderConfig()
	cfg.Provider.Proxies = cfg.Provider.Proxies[:2] // datacenter only
	provider := NewLocalProvider(cfg, nil, poolLogger())

	_, err := provider.CreateSession(context.Background(),
		models.SessionSpec{ProxyType: models.ProxyResidential})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrProviderCreate)
}

func remoteServiceStub(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var requests []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.Path)
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			var req remoteCreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(remoteCreateResponse{
				ID:       "remote-abc",
				ProxyID:  "upstream-7",
				ProxyGeo: req.ProxyGeo,
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sessions/remote-abc":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &requests
}

func remoteProviderConfig(endpoint string) *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent: "scrape2-sub001-test/1.0",
		Provider: config.ProviderConfig{
			Type: "remote",
			Remote: config.RemoteProviderConfig{
				Endpoint: endpoint,
				APIKey:   "secret",
				Timeout:  5 * time.Second,
			},
		},
	}
}

func TestRemoteProvider_CreateAndTerminate(t *testing.T) {
	srv, requests := remoteServiceStub(t)
	provider := NewRemoteProvider(remoteProviderConfig(srv.URL), nil, poolLogger())

	s, err := provider.CreateSession(context.Background(),
		models.SessionSpec{ProxyType: models.ProxyResidential, ProxyGeo: "us"})
	require.NoError(t, err)
	assert.Equal(t, "remote-abc", s.remoteID)
	assert.Equal(t, "upstream-7", s.Spec.ProxyID)
	require.NotNil(t, s.Page())

	require.NoError(t, provider.TerminateSession(context.Background(), s))
	assert.Equal(t, []string{"POST /v1/sessions", "DELETE /v1/sessions/remote-abc"}, *requests)
}

func TestRemoteProvider_TerminateGoneSessionIsNoError(t *testing.T) {
	srv, _ := remoteServiceStub(t)
	provider := NewRemoteProvider(remoteProviderConfig(srv.URL), nil, poolLogger())

	s := &Session{ID: "local-id", remoteID: "already-gone"}
	assert.NoError(t, provider.TerminateSession(context.Background(), s))
}

func TestRemoteProvider_ServiceErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of capacity", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	provider := NewRemoteProvider(remoteProviderConfig(srv.URL), nil, poolLogger())
	_, err := provider.CreateSession(context.Background(), models.SessionSpec{ProxyType: models.ProxyDatacenter})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrProviderCreate)
	assert.Contains(t, err.Error(), "503")
}
