package ads

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
	"github.com/vorpalengineering/x402-adserver/webhook"
)

type fakeReplayer struct {
	ids []string
}

func (f *fakeReplayer) Replay(_ context.Context, id string) (*webhook.Result, error) {
	f.ids = append(f.ids, id)
	return &webhook.Result{DeliveryID: id, Status: model.DeliverySuccess}, nil
}

func strPtr(s string) *string { return &s }

func TestScope(t *testing.T) {
	publisher := model.Principal{ID: "pub-1", Role: model.RolePublisher}
	admin := model.Principal{ID: "root", Role: model.RoleAdmin}

	id, err := Scope(publisher, "")
	require.NoError(t, err)
	assert.Equal(t, "pub-1", id)

	_, err = Scope(publisher, "pub-2")
	requireAPIError(t, err, http.StatusForbidden, apierror.CodeForbidden)

	id, err = Scope(admin, "pub-2")
	require.NoError(t, err)
	assert.Equal(t, "pub-2", id)

	_, err = Scope(admin, "")
	requireAPIError(t, err, http.StatusBadRequest, apierror.CodeValidationFailed)

	_, err = Scope(model.Principal{ID: "u", Role: model.RoleAdvertiser}, "")
	requireAPIError(t, err, http.StatusForbidden, apierror.CodeForbidden)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := NewPublishers(s, &recordingEmitter{}, &fakeReplayer{})

	_, err := p.Profile(ctx, "pub-1")
	requireAPIError(t, err, http.StatusNotFound, apierror.CodeNotFound)

	pub, err := p.UpdateProfile(ctx, "pub-1", ProfileUpdate{
		Name:          strPtr("Daily News"),
		WebhookURL:    strPtr("https://news.example.com/hooks"),
		WebhookSecret: strPtr("0123456789abcdef"),
	})
	require.NoError(t, err)
	assert.True(t, pub.WebhookConfigured())

	pub, err = p.UpdateProfile(ctx, "pub-1", ProfileUpdate{WalletAddress: strPtr(publisherPay)})
	require.NoError(t, err)
	assert.Equal(t, "Daily News", pub.Name)
	assert.Equal(t, publisherPay, pub.WalletAddress)

	_, err = p.UpdateProfile(ctx, "pub-1", ProfileUpdate{WalletAddress: strPtr("not-an-address")})
	requireAPIError(t, err, http.StatusBadRequest, apierror.CodeValidationFailed)

	stored, err := p.Profile(ctx, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, publisherPay, stored.WalletAddress)
}

func TestDeliveriesAreScopedToPublisher(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	replayer := &fakeReplayer{}
	p := NewPublishers(s, &recordingEmitter{}, replayer)

	require.NoError(t, s.CreateWebhookDelivery(ctx, &model.WebhookDelivery{
		ID: "dlv-1", PublisherID: "pub-1", EventType: webhook.EventAdCompleted, URL: "https://a.example.com", Status: model.DeliveryFailed,
	}))
	require.NoError(t, s.CreateWebhookDelivery(ctx, &model.WebhookDelivery{
		ID: "dlv-2", PublisherID: "pub-2", EventType: webhook.EventAdCompleted, URL: "https://b.example.com", Status: model.DeliveryPending,
	}))

	list, err := p.ListDeliveries(ctx, "pub-1", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dlv-1", list[0].ID)

	_, err = p.ListDeliveries(ctx, "pub-1", "DONE", 0)
	requireAPIError(t, err, http.StatusBadRequest, apierror.CodeValidationFailed)

	_, err = p.Delivery(ctx, "pub-1", "dlv-2")
	requireAPIError(t, err, http.StatusNotFound, apierror.CodeNotFound)

	_, err = p.ReplayDelivery(ctx, "pub-1", "dlv-2")
	requireAPIError(t, err, http.StatusNotFound, apierror.CodeNotFound)
	assert.Empty(t, replayer.ids)

	result, err := p.ReplayDelivery(ctx, "pub-1", "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, result.Status)
	assert.Equal(t, []string{"dlv-1"}, replayer.ids)
}

func TestIngestEvent(t *testing.T) {
	events := &recordingEmitter{}
	p := NewPublishers(store.NewMemory(), events, &fakeReplayer{})

	_, err := p.IngestEvent(context.Background(), "pub-1", "", nil)
	requireAPIError(t, err, http.StatusBadRequest, apierror.CodeValidationFailed)

	d, err := p.IngestEvent(context.Background(), "pub-1", "campaign.paused", map[string]string{"campaignId": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "campaign.paused", d.EventType)
	assert.Equal(t, 1, events.count("campaign.paused"))
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, err := f.svc.CreateSession(ctx, alice, testResource, model.SessionModeAd)
	require.NoError(t, err)
	_, err = f.svc.CompleteAdView(ctx, alice, session.ID)
	require.NoError(t, err)

	p := NewPublishers(f.store, f.events, &fakeReplayer{})
	stats, err := p.Summary(ctx, testPublisher)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completions)
	assert.Equal(t, 0, stats.PaidCompletions)
	assert.Equal(t, "250", stats.Revenue)
}
