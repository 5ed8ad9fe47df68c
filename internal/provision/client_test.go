package provision

import (
	"context"
	"testing"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/config"
	"payment-service/internal/errs"
)

func newTestClient() *Client {
	return NewClient(config.Provisioning{
		AuthURL:      "http://auth.example",
		BaseURL:      "http://subscriptions.example",
		ClientID:     "payment-service",
		ClientSecret: "secret",
	})
}

func mockToken(times int) {
	gock.New("http://auth.example").
		Post("/oauth/token").
		Times(times).
		Reply(200).
		JSON(map[string]any{"access_token": "tok-1", "expires_in": 3600})
}

func TestProvision(t *testing.T) {
	defer gock.Off()

	c := newTestClient()
	gock.InterceptClient(c.client)

	mockToken(1)
	gock.New("http://subscriptions.example").
		Post("/subscriptions").
		MatchHeader("Authorization", "Bearer tok-1").
		Reply(201).
		JSON(map[string]string{"status": "active"})

	err := c.Provision(context.Background(), "user-1", "monthly", "20260831120000123456")
	require.NoError(t, err)
}

func TestProvision_TokenReused(t *testing.T) {
	defer gock.Off()

	c := newTestClient()
	gock.InterceptClient(c.client)

	mockToken(1)
	gock.New("http://subscriptions.example").
		Post("/subscriptions").
		Times(2).
		Reply(201).
		JSON(map[string]string{"status": "active"})

	require.NoError(t, c.Provision(context.Background(), "user-1", "monthly", "A1"))
	require.NoError(t, c.Provision(context.Background(), "user-1", "monthly", "A2"))

	assert.True(t, gock.IsDone())
}

func TestProvision_ServerError(t *testing.T) {
	defer gock.Off()

	c := newTestClient()
	gock.InterceptClient(c.client)

	mockToken(1)
	gock.New("http://subscriptions.example").
		Post("/subscriptions").
		Reply(503).
		JSON(map[string]string{"error": "unavailable"})

	err := c.Provision(context.Background(), "user-1", "monthly", "A1")
	assert.ErrorIs(t, err, errs.ErrProvisioning)
}

func TestProvision_TokenRejected(t *testing.T) {
	defer gock.Off()

	c := newTestClient()
	gock.InterceptClient(c.client)

	gock.New("http://auth.example").
		Post("/oauth/token").
		Reply(401).
		JSON(map[string]string{"error": "invalid_client"})

	err := c.Provision(context.Background(), "user-1", "monthly", "A1")
	assert.ErrorIs(t, err, errs.ErrProvisioning)
}

func TestInvalidateToken(t *testing.T) {
	defer gock.Off()

	c := newTestClient()
	gock.InterceptClient(c.client)

	mockToken(2)
	gock.New("http://subscriptions.example").
		Post("/subscriptions").
		Times(2).
		Reply(201).
		JSON(map[string]string{"status": "active"})

	require.NoError(t, c.Provision(context.Background(), "user-1", "monthly", "A1"))
	c.InvalidateToken()
	require.NoError(t, c.Provision(context.Background(), "user-1", "monthly", "A2"))

	assert.True(t, gock.IsDone())
}
