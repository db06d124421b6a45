package endpoints

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nixie-Tech-LLC/bandtap/internal/analytics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api/operator/packets"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/middleware"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/recorder"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
	"github.com/Nixie-Tech-LLC/bandtap/internal/tapqueue"
)

const secret = "op-secret"

type fixture struct {
	router   *gin.Engine
	cache    *routecache.Cache
	counters *analytics.Counters
	queue    *tapqueue.Queue
	rec      *recorder.Recorder
	token    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := fixture{
		cache:    routecache.New(rdb, time.Minute),
		counters: analytics.New(rdb),
		queue:    tapqueue.New(rdb, ""),
	}
	f.rec = recorder.New(rdb, f.queue, f.counters, 0, 0)
	f.router = gin.New()
	api.MountGroup(f.router, api.GroupConfig{Prefix: "/api/operator", Auth: true, SecretKey: secret},
		OperatorModule(f.cache, f.counters, f.queue, 2))

	token, err := middleware.GenerateOperatorToken("ops@tour", secret, time.Hour)
	require.NoError(t, err)
	f.token = token
	return f
}

func (f fixture) do(method, target string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/operator/queue", false).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodDelete, "/api/operator/cache/B-1", false).Code)
}

func TestInvalidateRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "B-1", model.CacheRoute{URL: "https://live", EventID: "evt-1", Mode: model.ModeLive}))

	w := f.do(http.MethodDelete, "/api/operator/cache/B-1", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp packets.InvalidateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, packets.InvalidateResponse{BandID: "B-1", Invalidated: true}, resp)

	_, err := f.cache.Get(ctx, "B-1")
	assert.ErrorIs(t, err, routecache.ErrMiss)
}

func TestLiveCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, mode := range []model.Mode{model.ModeLive, model.ModeLive, model.ModePre} {
		require.NoError(t, f.rec.Record(ctx, model.TapEvent{
			Tag: "B-1", EventID: "evt-1", Mode: mode, TappedAt: time.Now().UTC(),
			Meta: model.RequestMeta{IP: "198.51.100.7"},
		}))
	}

	w := f.do(http.MethodGet, "/api/operator/events/evt-1/live", true)
	require.Equal(t, http.StatusOK, w.Code)

	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(2), snap.Modes[model.ModeLive])
	assert.Len(t, snap.PerSecond, liveWindowSeconds)
}

func TestQueueDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.rec.Record(ctx, model.TapEvent{Tag: "B-1", EventID: "evt-1", Mode: model.ModeLive}))
	}

	w := f.do(http.MethodGet, "/api/operator/queue", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp packets.QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, packets.QueueResponse{Depth: 3, HighWater: 2, AboveHigh: true}, resp)
}
