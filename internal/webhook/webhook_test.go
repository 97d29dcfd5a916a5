package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storykeep.org/internal/ownership"
)

type captured struct {
	header http.Header
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []captured
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.reqs = append(r.reqs, captured{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *recorder) all() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.reqs...)
}

func seed(t *testing.T, store *ownership.InMemory, d ownership.Distribution) ownership.Distribution {
	t.Helper()
	require.NoError(t, store.CreateDistribution(context.Background(), d))
	return d
}

func TestNotifySignsExactBody(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{
		ID: "d1", StoryID: "s1", Platform: ownership.PlatformBlog, Status: ownership.DistributionRevoked,
		WebhookURL: srv.URL + "/hook", WebhookSecret: "abc123", PlatformPostID: "post-7",
	})

	res := NewNotifier(store).Notify(context.Background(), d, EventDistributionRevoked, "u1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.True(t, Verify("abc123", got.body, got.header.Get(HeaderSignature)))
	assert.True(t, strings.HasPrefix(got.header.Get(HeaderSignature), "sha256="))
	assert.Equal(t, string(EventDistributionRevoked), got.header.Get(HeaderEvent))
	assert.Equal(t, "d1", got.header.Get(HeaderDistribution))
	assert.Equal(t, res.DeliveryID, got.header.Get(HeaderDelivery))
	assert.Equal(t, defaultUserAgent, got.header.Get("User-Agent"))

	var env Envelope
	require.NoError(t, json.Unmarshal(got.body, &env))
	assert.Equal(t, "s1", env.StoryID)
	assert.Equal(t, ownership.PlatformBlog, env.Payload.Platform)
	require.NotNil(t, env.Payload.PlatformPostID)
	assert.Equal(t, "post-7", *env.Payload.PlatformPostID)

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.True(t, stored.WebhookOK)
	assert.Equal(t, 1, stored.WebhookRetryCount)
	assert.NotNil(t, stored.WebhookNotifiedAt)
}

func TestNotifyWithoutSecretOmitsSignature(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL})

	res := NewNotifier(store).Notify(context.Background(), d, EventConsentWithdrawn, "u1")
	require.True(t, res.Success)
	assert.Empty(t, rec.all()[0].header.Get(HeaderSignature))
}

func TestNotifyRecordsFailuresAndIncrementsCounter(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL})
	n := NewNotifier(store)

	res := n.Notify(context.Background(), d, EventDistributionRevoked, "u1")
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	res = n.Notify(context.Background(), d, EventDistributionRevoked, "u1")
	assert.False(t, res.Success)

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.False(t, stored.WebhookOK)
	assert.Equal(t, http.StatusInternalServerError, stored.WebhookStatus)
	assert.Equal(t, 2, stored.WebhookRetryCount)
}

func TestNotifyUnreachableEndpointNeverPanics(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: addr})

	res := NewNotifier(store, WithHTTPClient(&http.Client{Timeout: time.Second})).
		Notify(context.Background(), d, EventDistributionRevoked, "u1")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.NotEmpty(t, stored.WebhookError)
	assert.Equal(t, 1, stored.WebhookRetryCount)
}

func TestNotifySkipsDistributionsWithoutWebhook(t *testing.T) {
	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1"})

	res := NewNotifier(store).Notify(context.Background(), d, EventDistributionRevoked, "u1")
	assert.False(t, res.Success)

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.Zero(t, stored.WebhookRetryCount)
}

func TestBreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL})
	n := NewNotifier(store, WithBreaker(2, time.Minute))

	n.Notify(context.Background(), d, EventDistributionRevoked, "u1")
	n.Notify(context.Background(), d, EventDistributionRevoked, "u1")
	res := n.Notify(context.Background(), d, EventDistributionRevoked, "u1")

	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, res.Error, "circuit open")
	host, _ := url.Parse(srv.URL)
	assert.Equal(t, gobreaker.StateOpen, n.BreakerState(host.Host))

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.Equal(t, 3, stored.WebhookRetryCount)
}

func TestNotifyAllIsSequentialAndFiltered(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := ownership.NewInMemory()
	now := time.Now()
	seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL, CreatedAt: now})
	seed(t, store, ownership.Distribution{ID: "d2", StoryID: "s1", CreatedAt: now.Add(time.Second)})
	seed(t, store, ownership.Distribution{ID: "d3", StoryID: "s1", WebhookURL: srv.URL, CreatedAt: now.Add(2 * time.Second)})
	seed(t, store, ownership.Distribution{ID: "d4", StoryID: "other", WebhookURL: srv.URL})

	results, err := NewNotifier(store).NotifyAll(context.Background(), "s1", EventConsentWithdrawn, "u1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].DistributionID)
	assert.Equal(t, "d3", results[1].DistributionID)
	assert.Len(t, rec.all(), 2)
}

func TestQueueDeliversAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL})
	q := NewQueue(NewNotifier(store), 2, 8)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, q.Enqueue(ctx, d, EventDistributionRevoked, "u1"))
	cancel()
	q.Close()

	assert.Len(t, rec.all(), 1)
	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.True(t, stored.WebhookOK)

	assert.False(t, q.Enqueue(context.Background(), d, EventDistributionRevoked, "u1"))
}

func TestQueueFullRecordsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := ownership.NewInMemory()
	d := seed(t, store, ownership.Distribution{ID: "d1", StoryID: "s1", WebhookURL: srv.URL})
	q := NewQueue(NewNotifier(store), 1, 1)

	accepted := 0
	for i := 0; i < 3; i++ {
		if q.Enqueue(context.Background(), d, EventDistributionRevoked, "u1") {
			accepted++
		}
	}
	assert.Less(t, accepted, 3)

	stored, _ := store.GetDistribution(context.Background(), "d1")
	assert.Equal(t, queueFullReason, stored.WebhookError)

	close(release)
	q.Close()
}
