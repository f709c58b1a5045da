// Package push implements the push notification channel: toast
// delivery through the subscription router, falling back to a web
// push provider when nothing was listening locally.
//
// Grounded on the teacher's internal/hub/notifier SendOrQueue
// (try local delivery, fall back to persistent queue), generalized to
// "try local toast delivery, fall back to a web-push provider" with a
// single best-effort attempt rather than a retry queue, per spec.md
// §4.7.
package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hapi/hub/internal/events"
	"github.com/hapi/hub/internal/metrics"
)

// Intent names a push notification's purpose, driving its title/body
// template.
type Intent string

const (
	IntentReady             Intent = "ready"
	IntentPermissionRequest Intent = "permission-request"
)

// Toast is the {title, body, tag, data} shape sent both to local
// subscribers and to the web push provider.
type Toast struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data"`
}

// Subscription is one registered web-push endpoint for a namespace.
type Subscription struct {
	ID        string
	Namespace string
	Endpoint  string
	P256dh    string
	Auth      string
}

// Provider delivers a toast to a single web-push endpoint. It returns
// a Gone error (via ErrGone) when the provider reports 404/410,
// signaling the subscription should be removed.
type Provider interface {
	Send(ctx context.Context, sub Subscription, toast Toast) error
}

// ErrGone marks a provider response that means the subscription no
// longer exists and should be deleted.
var ErrGone = fmt.Errorf("push: subscription gone")

// SubscriptionStore is the minimal persistence surface push needs.
type SubscriptionStore interface {
	ListPushSubscriptions(namespace string) ([]Subscription, error)
	RemovePushSubscription(id string) error
}

// Channel wires the subscription router, a web push provider, and the
// push-subscription store together.
type Channel struct {
	router   *events.Router
	provider Provider
	store    SubscriptionStore
	webURL   string // origin used to build deep links
}

// New returns a Channel. provider may be nil to disable the web-push
// fallback entirely (local toast delivery still works).
func New(router *events.Router, provider Provider, store SubscriptionStore, webURL string) *Channel {
	return &Channel{router: router, provider: provider, store: store, webURL: webURL}
}

// BuildToast constructs the canonical {title, body, tag, data} shape
// for a session and intent, with a deep link into the web UI.
func (c *Channel) BuildToast(sessionID string, intent Intent, title, body string) Toast {
	return Toast{
		Title: title,
		Body:  body,
		Tag:   string(intent),
		Data: map[string]any{
			"type":      string(intent),
			"sessionId": sessionID,
			"url":       fmt.Sprintf("%s/sessions/%s", c.webURL, sessionID),
		},
	}
}

// Notify delivers toast for sessionID in namespace: first via local
// subscriptions, falling back to the web push provider only if zero
// subscriptions received it locally and at least one push subscription
// is registered for the namespace.
func (c *Channel) Notify(ctx context.Context, namespace, sessionID, machineID string, toast Toast) {
	delivered := c.router.SendToast(namespace, toast, sessionID, machineID)
	if delivered > 0 {
		metrics.PushDeliveryTotal.WithLabelValues("local").Inc()
		return
	}

	if c.provider == nil || c.store == nil {
		return
	}

	subs, err := c.store.ListPushSubscriptions(namespace)
	if err != nil {
		slog.Error("push: list subscriptions failed", "namespace", namespace, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		err := c.provider.Send(ctx, sub, toast)
		switch {
		case err == nil:
			metrics.PushDeliveryTotal.WithLabelValues("push").Inc()
		case isGone(err):
			metrics.PushDeliveryTotal.WithLabelValues("gone").Inc()
			if remErr := c.store.RemovePushSubscription(sub.ID); remErr != nil {
				slog.Error("push: remove stale subscription failed", "subscription_id", sub.ID, "error", remErr)
			}
		default:
			metrics.PushDeliveryTotal.WithLabelValues("error").Inc()
			slog.Warn("push: provider send failed", "subscription_id", sub.ID, "error", err)
		}
	}
}

func isGone(err error) bool {
	return err == ErrGone
}
