package node

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

	"github.com/ryandielhenn/zephyrregistry/pkg/coord/memcoord"
	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
	"github.com/ryandielhenn/zephyrregistry/pkg/ring"
)

type cluster struct {
	srv *memcoord.Server
}

// start brings up a node on its own coordinator session.
func (c *cluster) start(t *testing.T, id, addr string) (*Node, *registry.Registry, *memcoord.Session) {
	t.Helper()
	sess := c.srv.Connect(nil)
	n := NewRF(ring.New(64, nil), id, addr, 2, zap.NewNop())
	reg := registry.New(sess, registry.WithListener(n.SyncRing))
	t.Cleanup(func() {
		reg.Close()
		_ = sess.Close()
	})
	require.NoError(t, n.Start(context.Background(), reg))
	return n, reg, sess
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNormalizeHostPort(t *testing.T) {
	tests := map[string]string{
		"http://node1:9000": "node1:9000",
		"https://node1":     "node1:8080",
		"node2":             "node2:8080",
		"10.0.0.1:7000":     "10.0.0.1:7000",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHostPort(in, "8080"), in)
	}
}

func TestNodeSeesPeersAndRing(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")
	b, _, _ := c.start(t, "b", "http://node-b")

	require.Eventually(t, func() bool { return a.ring.Len() == 2 && b.ring.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"node-a:8080", "node-b:8080"}, mapValues(a.ring.Nodes()))

	// both peers agree on every owner
	for _, k := range []string{"alpha", "beta", "gamma"} {
		oa, _, ok := a.OwnersForKey(k)
		require.True(t, ok)
		ob, _, _ := b.OwnersForKey(k)
		assert.Equal(t, oa, ob)
		assert.Len(t, oa, 2)
	}
}

func TestStopRemovesPeer(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")
	b, _, _ := c.start(t, "b", "node-b:8080")
	require.Eventually(t, func() bool { return a.ring.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	require.Eventually(t, func() bool { return a.ring.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	// a second Stop is a no-op
	require.NoError(t, b.Stop(context.Background()))
}

func TestStoppedNodeAnswersNoOwners(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")
	b, _, _ := c.start(t, "b", "node-b:8080")
	require.Eventually(t, func() bool { return b.ring.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	assert.Zero(t, b.ring.Len())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, b.Handler(), "/owner/k").Code)

	// later membership changes do not refill a stopped node's ring
	c.start(t, "c", "node-c:8080")
	require.Eventually(t, func() bool { return a.ring.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.ring.Len())
}

func TestMembersEndpoint(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")
	c.start(t, "b", "node-b:8080")
	h := a.Handler()

	var body struct {
		Generation uint64   `json:"generation"`
		Addresses  []string `json:"addresses"`
		Members    []struct {
			Name string `json:"name"`
			Addr string `json:"addr"`
		} `json:"members"`
	}
	require.Eventually(t, func() bool {
		rec := get(t, h, "/members")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return len(body.Addresses) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"node-a:8080", "node-b:8080"}, body.Addresses)
	require.Len(t, body.Members, 2)
	assert.Equal(t, "n_0000000000", body.Members[0].Name)
	assert.Equal(t, "node-a:8080", body.Members[0].Addr)
	assert.NotZero(t, body.Generation)
}

func TestInfoEndpoint(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")

	rec := get(t, a.Handler(), "/info")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "a", body["id"])
	assert.Equal(t, "n_0000000000", body["member"])
	assert.EqualValues(t, 1, body["members"])
}

func TestOwnerEndpoint(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	a, _, _ := c.start(t, "a", "node-a:8080")
	h := a.Handler()

	rec := get(t, h, "/owner/user:42")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Key      string   `json:"key"`
		Owner    string   `json:"owner"`
		Replicas []string `json:"replicas"`
		Local    bool     `json:"local"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user:42", body.Key)
	assert.Equal(t, "node-a:8080", body.Owner)
	assert.Equal(t, []string{"node-a:8080"}, body.Replicas)
	assert.True(t, body.Local)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/owner/").Code)
}

func TestEndpointsBeforeStart(t *testing.T) {
	n := NewRF(ring.New(16, nil), "idle", "idle:8080", 3, nil)
	h := n.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/members").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/owner/k").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/info").Code)
	require.NoError(t, n.Stop(context.Background()))
}

func TestMembersUnavailable(t *testing.T) {
	c := &cluster{srv: memcoord.NewServer()}
	sess := c.srv.Connect(nil)
	t.Cleanup(func() { _ = sess.Close() })
	n := NewRF(ring.New(16, nil), "x", "x:8080", 3, zap.NewNop())
	reg := registry.New(sess)
	t.Cleanup(reg.Close)

	// joining fails while unreachable and no snapshot exists yet
	sess.SetUnreachable(true)
	require.Error(t, n.Start(context.Background(), reg))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, n.Handler(), "/members").Code)
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
