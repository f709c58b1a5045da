package push_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/push"
)

type fakeProvider struct {
	sent []push.Subscription
	err  error
}

func (f *fakeProvider) Send(ctx context.Context, sub push.Subscription, toast push.Toast) error {
	f.sent = append(f.sent, sub)
	return f.err
}

type fakeStore struct {
	subs    []push.Subscription
	removed []string
}

func (f *fakeStore) ListPushSubscriptions(namespace string) ([]push.Subscription, error) {
	var out []push.Subscription
	for _, s := range f.subs {
		if s.Namespace == namespace {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) RemovePushSubscription(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestBuildToast_IncludesDeepLink(t *testing.T) {
	c := push.New(events.New(0), nil, nil, "https://app.example.com")
	toast := c.BuildToast("s1", push.IntentReady, "Session ready", "your agent finished")

	assert.Equal(t, "Session ready", toast.Title)
	assert.Equal(t, "ready", toast.Tag)
	assert.Equal(t, "https://app.example.com/sessions/s1", toast.Data["url"])
}

func TestNotify_LocalDeliverySkipsProvider(t *testing.T) {
	router := events.New(0)
	unsub := router.Subscribe(&events.Subscription{
		ID: "sub1", Namespace: "ns1", SessionID: "s1",
		Send: func(events.SyncEvent) {},
	})
	defer unsub()

	provider := &fakeProvider{}
	c := push.New(router, provider, &fakeStore{}, "https://app.example.com")

	c.Notify(context.Background(), "ns1", "s1", "", push.Toast{Title: "hi"})

	assert.Empty(t, provider.sent, "provider must not be called when local delivery succeeded")
}

func TestNotify_FallsBackToProviderWhenNoLocalSubscribers(t *testing.T) {
	router := events.New(0)
	store := &fakeStore{subs: []push.Subscription{{ID: "p1", Namespace: "ns1", Endpoint: "https://push.example/1"}}}
	provider := &fakeProvider{}
	c := push.New(router, provider, store, "https://app.example.com")

	c.Notify(context.Background(), "ns1", "s1", "", push.Toast{Title: "hi"})

	require.Len(t, provider.sent, 1)
	assert.Equal(t, "p1", provider.sent[0].ID)
}

func TestNotify_RemovesSubscriptionOnGone(t *testing.T) {
	router := events.New(0)
	store := &fakeStore{subs: []push.Subscription{{ID: "p1", Namespace: "ns1", Endpoint: "https://push.example/1"}}}
	provider := &fakeProvider{err: push.ErrGone}
	c := push.New(router, provider, store, "https://app.example.com")

	c.Notify(context.Background(), "ns1", "s1", "", push.Toast{Title: "hi"})

	assert.Equal(t, []string{"p1"}, store.removed)
}

func TestNotify_NoSubscriptionsIsANoop(t *testing.T) {
	router := events.New(0)
	provider := &fakeProvider{}
	c := push.New(router, provider, &fakeStore{}, "https://app.example.com")

	c.Notify(context.Background(), "ns1", "s1", "", push.Toast{Title: "hi"})

	assert.Empty(t, provider.sent)
}

func TestNotify_NilProviderDisablesFallback(t *testing.T) {
	router := events.New(0)
	store := &fakeStore{subs: []push.Subscription{{ID: "p1", Namespace: "ns1"}}}
	c := push.New(router, nil, store, "https://app.example.com")

	assert.NotPanics(t, func() {
		c.Notify(context.Background(), "ns1", "s1", "", push.Toast{Title: "hi"})
	})
}

func TestNotify_WaitsOutHeartbeatGoroutineCleanly(t *testing.T) {
	router := events.New(5 * time.Millisecond)
	defer router.Stop()
	time.Sleep(10 * time.Millisecond)
}
