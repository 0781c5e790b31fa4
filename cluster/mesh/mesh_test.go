package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/italypaleale/orbit/cluster"
	"github.com/italypaleale/orbit/components"
	"github.com/italypaleale/orbit/components/memory"
	"github.com/italypaleale/orbit/internal/testutil"
)

const (
	testClusterName = "test-cluster"
	testSharedKey   = "0123456789abcdef-test"
)

type recorder struct {
	lock     sync.Mutex
	view     []cluster.NodeAddress
	messages map[cluster.NodeAddress][]string
}

func (r *recorder) onView(view []cluster.NodeAddress) {
	r.lock.Lock()
	r.view = view
	r.lock.Unlock()
}

func (r *recorder) onMessage(from cluster.NodeAddress, data []byte) {
	r.lock.Lock()
	if r.messages == nil {
		r.messages = map[cluster.NodeAddress][]string{}
	}
	r.messages[from] = append(r.messages[from], string(data))
	r.lock.Unlock()
}

func (r *recorder) View() []cluster.NodeAddress {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.view
}

func (r *recorder) Messages(from cluster.NodeAddress) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.messages[from]
}

func newTestProvider(t *testing.T) *memory.Provider {
	t.Helper()
	prov, err := memory.NewProvider(components.ProviderConfig{})
	require.NoError(t, err)
	return prov
}

func newTestPeer(t *testing.T, prov *memory.Provider, opts ...Option) *Peer {
	t.Helper()

	opts = append([]Option{
		WithBindAddress("127.0.0.1:0"),
		WithSharedKey(testSharedKey),
		WithInsecureSkipTLSValidation(),
		WithPollInterval(50 * time.Millisecond),
		WithRegisterTimeout(2 * time.Second),
	}, opts...)
	p, err := NewPeer(prov, prov, opts...)
	require.NoError(t, err)
	return p
}

func newJoinedPeer(t *testing.T, prov *memory.Provider, name string, opts ...Option) (*Peer, *recorder) {
	t.Helper()

	p := newTestPeer(t, prov, opts...)
	rec := &recorder{}
	p.RegisterViewListener(rec.onView)
	p.RegisterMessageReceiver(rec.onMessage)

	err := p.Join(t.Context(), testClusterName, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Leave(context.Background())
	})

	return p, rec
}

func TestPeer(t *testing.T) {
	prov := newTestProvider(t)

	a, recA := newJoinedPeer(t, prov, "a")
	require.NotEmpty(t, a.AdvertiseAddress())
	assert.Equal(t, []cluster.NodeAddress{a.LocalAddress()}, recA.View())
	assert.Equal(t, "a", a.NodeName())

	b, recB := newJoinedPeer(t, prov, "b")
	c, recC := newJoinedPeer(t, prov, "c")

	want := cluster.SortedView([]cluster.NodeAddress{a.LocalAddress(), b.LocalAddress(), c.LocalAddress()})
	for _, rec := range []*recorder{recA, recB, recC} {
		require.EventuallyWithT(t, func(co *assert.CollectT) {
			assert.Equal(co, want, rec.View())
		}, 10*time.Second, 50*time.Millisecond)
	}

	hosts, err := prov.ListHosts(t.Context(), testClusterName)
	require.NoError(t, err)
	require.Len(t, hosts, 3)

	t.Run("join twice", func(t *testing.T) {
		require.Error(t, a.Join(t.Context(), testClusterName, "a"))
	})

	t.Run("messages", func(t *testing.T) {
		a.SendMessage(b.LocalAddress(), []byte("hello b"))
		a.SendMessage(a.LocalAddress(), []byte("hello me"))
		c.SendMessage(b.LocalAddress(), []byte("from c"))

		require.EventuallyWithT(t, func(co *assert.CollectT) {
			assert.Equal(co, []string{"hello b"}, recB.Messages(a.LocalAddress()))
			assert.Equal(co, []string{"from c"}, recB.Messages(c.LocalAddress()))
			assert.Equal(co, []string{"hello me"}, recA.Messages(a.LocalAddress()))
		}, 10*time.Second, 50*time.Millisecond)

		// Unknown node
		a.SendMessage(cluster.NodeAddress{9}, []byte("lost"))
	})

	t.Run("cache", func(t *testing.T) {
		ctx := t.Context()
		ca := a.GetCache("test")
		cb := b.GetCache("test")

		require.NoError(t, ca.Set(ctx, "key1", []byte("value1")))

		// The store is shared, so values are visible right away
		val, ok, err := cb.Get(ctx, "key1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "value1", string(val))

		stored, err := cb.PutIfAbsent(ctx, "key1", []byte("other"))
		require.NoError(t, err)
		assert.Equal(t, "value1", string(stored))

		stored, err = cb.PutIfAbsent(ctx, "key2", []byte("value2"))
		require.NoError(t, err)
		assert.Equal(t, "value2", string(stored))

		require.NoError(t, cb.Delete(ctx, "key1"))
		_, ok, err = ca.Get(ctx, "key1")
		require.NoError(t, err)
		assert.False(t, ok)

		// Other caches are separate
		_, ok, err = a.GetCache("other").Get(ctx, "key2")
		require.NoError(t, err)
		assert.False(t, ok)

		// Entries are stored per cluster
		val, ok, err = prov.CacheGet(ctx, components.CacheRef{ClusterName: testClusterName, Cache: "test", Key: "key2"})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "value2", string(val))
	})

	t.Run("leave", func(t *testing.T) {
		require.NoError(t, c.Leave(t.Context()))

		want := cluster.SortedView([]cluster.NodeAddress{a.LocalAddress(), b.LocalAddress()})
		for _, rec := range []*recorder{recA, recB} {
			require.EventuallyWithT(t, func(co *assert.CollectT) {
				assert.Equal(co, want, rec.View())
			}, 10*time.Second, 50*time.Millisecond)
		}

		hosts, err := prov.ListHosts(t.Context(), testClusterName)
		require.NoError(t, err)
		assert.Len(t, hosts, 2)

		// Operations fail after leaving
		_, _, err = c.GetCache("test").Get(t.Context(), "key2")
		require.ErrorIs(t, err, cluster.ErrNotJoined)

		// Messages to a node that left are dropped
		c.SendMessage(a.LocalAddress(), []byte("after leave"))

		// Leaving again is a no-op
		require.NoError(t, c.Leave(t.Context()))
	})
}

func TestWrongSharedKey(t *testing.T) {
	prov := newTestProvider(t)

	a, recA := newJoinedPeer(t, prov, "a")
	b, recB := newJoinedPeer(t, prov, "b", WithSharedKey("another-key-0123456789"))

	require.EventuallyWithT(t, func(co *assert.CollectT) {
		assert.Len(co, recA.View(), 2)
	}, 10*time.Second, 50*time.Millisecond)

	b.SendMessage(a.LocalAddress(), []byte("rejected"))
	b.SendMessage(b.LocalAddress(), []byte("local"))

	require.EventuallyWithT(t, func(co *assert.CollectT) {
		assert.Equal(co, []string{"local"}, recB.Messages(b.LocalAddress()))
	}, 10*time.Second, 50*time.Millisecond)

	// Give the rejected request time to complete
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, recA.Messages(b.LocalAddress()))
}

func TestServerHandler(t *testing.T) {
	prov := newTestProvider(t)
	p := newTestPeer(t, prov, WithMaxMessageSize(16))
	rec := &recorder{}
	p.RegisterMessageReceiver(rec.onMessage)

	self, err := cluster.NewNodeAddress()
	require.NoError(t, err)
	from, err := cluster.NewNodeAddress()
	require.NoError(t, err)

	handler := p.getServerHandler()
	do := func(body string, mod func(r *http.Request)) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, pathMessage, strings.NewReader(body))
		r.Header.Set(headerContentType, contentTypeMessage)
		r.Header.Set(headerFrom, from.String())
		r.Header.Set(headerTo, self.String())
		r.Header.Set("Authorization", "PSK "+testSharedKey)
		if mod != nil {
			mod(r)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	t.Run("not joined", func(t *testing.T) {
		w := do("hi", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	p.lock.Lock()
	p.addr = self
	p.lock.Unlock()
	p.joined.Store(true)
	t.Cleanup(func() {
		p.joined.Store(false)
	})

	t.Run("delivered", func(t *testing.T) {
		w := do("hi", nil)
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, self.String(), w.Header().Get(headerNodeID))
		assert.Equal(t, []string{"hi"}, rec.Messages(from))
	})

	tests := []struct {
		name   string
		body   string
		mod    func(r *http.Request)
		status int
	}{
		{
			name:   "missing target",
			mod:    func(r *http.Request) { r.Header.Del(headerTo) },
			status: http.StatusBadRequest,
		},
		{
			name:   "another node",
			mod:    func(r *http.Request) { r.Header.Set(headerTo, from.String()) },
			status: http.StatusConflict,
		},
		{
			name:   "missing key",
			mod:    func(r *http.Request) { r.Header.Del("Authorization") },
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong key",
			mod:    func(r *http.Request) { r.Header.Set("Authorization", "PSK nope") },
			status: http.StatusUnauthorized,
		},
		{
			name:   "invalid sender",
			mod:    func(r *http.Request) { r.Header.Set(headerFrom, "nope") },
			status: http.StatusBadRequest,
		},
		{
			name:   "unsupported content type",
			mod:    func(r *http.Request) { r.Header.Set(headerContentType, "application/json") },
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "too large",
			body:   strings.Repeat("x", 32),
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" {
				body = "rejected"
			}
			w := do(body, tt.mod)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, contentTypeMsgpack, w.Header().Get(headerContentType))
		})
	}

	assert.Equal(t, []string{"hi"}, rec.Messages(from))

	t.Run("health", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestHeartbeat(t *testing.T) {
	prov := newTestProvider(t)
	clk := clocktesting.NewFakeClock(time.Now())
	logs := &testutil.LogCapture{}
	p, _ := newJoinedPeer(t, prov, "a",
		withClock(clk),
		WithHealthCheckInterval(time.Second),
		WithLogger(logs.Logger()),
	)
	id := p.LocalAddress().String()

	// Remove the host from the registry, as if it had missed its health checks
	require.NoError(t, prov.UnregisterHost(t.Context(), testClusterName, id))

	require.EventuallyWithT(t, func(co *assert.CollectT) {
		clk.Step(time.Second)

		hosts, err := prov.ListHosts(t.Context(), testClusterName)
		if !assert.NoError(co, err) || !assert.Len(co, hosts, 1) {
			return
		}
		assert.Equal(co, id, hosts[0].HostID)
		assert.Equal(co, "a", hosts[0].Name)
		assert.Equal(co, p.AdvertiseAddress(), hosts[0].Address)
	}, 10*time.Second, 50*time.Millisecond)

	assert.True(t, logs.HasMessage("Host was removed from the registry, registering again"))
}

func TestJoinErrors(t *testing.T) {
	prov := newTestProvider(t)

	t.Run("empty cluster name", func(t *testing.T) {
		p := newTestPeer(t, prov)
		require.Error(t, p.Join(t.Context(), "", "x"))
	})

	t.Run("invalid bind address", func(t *testing.T) {
		p := newTestPeer(t, prov, WithBindAddress("127.0.0.1:notaport"))
		require.Error(t, p.Join(t.Context(), testClusterName, "x"))
		assert.False(t, p.started.Load())
	})

	t.Run("address held by a healthy host", func(t *testing.T) {
		err := prov.RegisterHost(t.Context(), components.RegisterHostReq{
			ClusterName: testClusterName,
			HostID:      "00000000-0000-0000-0000-000000000001",
			Address:     "127.0.0.1:9",
		})
		require.NoError(t, err)

		p := newTestPeer(t, prov,
			WithAdvertiseAddress("127.0.0.1:9"),
			WithRegisterTimeout(300*time.Millisecond),
		)
		require.Error(t, p.Join(t.Context(), testClusterName, "x"))
		assert.False(t, p.started.Load())
		assert.False(t, p.joined.Load())
	})
}

func TestNewPeer(t *testing.T) {
	prov := newTestProvider(t)

	_, err := NewPeer(nil, prov, WithSharedKey(testSharedKey))
	require.Error(t, err)

	_, err = NewPeer(prov, nil, WithSharedKey(testSharedKey))
	require.Error(t, err)

	_, err = NewPeer(prov, prov)
	require.ErrorContains(t, err, "peer authentication is required")

	_, err = NewPeer(prov, prov, WithSharedKey("short"))
	require.ErrorContains(t, err, "peer authentication is not valid")

	_, err = NewPeer(prov, prov, WithMTLS([]byte("nope"), nil, nil))
	require.Error(t, err)

	p, err := NewPeer(prov, prov, WithSharedKey(testSharedKey))
	require.NoError(t, err)
	assert.Equal(t, prov.HealthCheckInterval(), p.opts.HealthCheckInterval)
	assert.Equal(t, DefaultBindAddress, p.opts.BindAddress)
	assert.True(t, p.LocalAddress().IsZero())
}
