package idp

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spilikin/healthcard/idp/idptest"
)

var testDevice = DeviceInformation{
	Name: "Junas Laptop",
	DeviceType: DeviceType{
		Product:                "healthcard",
		Model:                  "ThinkPad",
		OperatingSystem:        "linux",
		OperatingSystemVersion: "6.8",
		Manufacturer:           "Lenovo",
	},
}

func pair(t *testing.T, e *Engine, card *idptest.Card) (*SecureElement, *PairingResult) {
	t.Helper()
	se, err := NewSecureElement()
	require.NoError(t, err)
	result, err := e.PairDevice(context.Background(), testProfile, card.Certificate, card, se, testDevice)
	require.NoError(t, err)
	return se, result
}

func TestPairDevice(t *testing.T) {
	e, srv, store := newTestEngine(t)
	card := idptest.NewCard(t)
	se, result := pair(t, e, card)

	assert.Equal(t, testDevice.Name, result.Entry.Name)
	assert.NotEmpty(t, result.AccessToken.Token)
	data, err := result.Entry.PairingData()
	require.NoError(t, err)
	assert.Equal(t, pairingDataVersion, data.Version)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(se.Alias), data.KeyIdentifier)
	assert.Equal(t, testDevice.DeviceType.Product, data.Product)

	stored, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	require.NotNil(t, stored.SingleSignOnToken)
	assert.Equal(t, ScopeAlternateAuthentication, stored.SingleSignOnToken.Scope)
	assert.Equal(t, Blob(se.Alias), stored.SingleSignOnToken.SecureElementAlias)
	assert.Equal(t, 1, srv.Hits("POST /pairings"))
}

func TestListAndDeletePairings(t *testing.T) {
	e, _, _ := newTestEngine(t)
	card := idptest.NewCard(t)
	se, result := pair(t, e, card)
	ctx := context.Background()

	entries, err := e.ListPairings(ctx, result.AccessToken.Token)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testDevice.Name, entries[0].Name)

	alias := base64.RawURLEncoding.EncodeToString(se.Alias)
	require.NoError(t, e.DeletePairing(ctx, result.AccessToken.Token, alias))
	entries, err = e.ListPairings(ctx, result.AccessToken.Token)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = e.DeletePairing(ctx, result.AccessToken.Token, alias)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 404, ie.StatusCode)
}

func TestAlternateAuthentication(t *testing.T) {
	e, srv, store := newTestEngine(t)
	card := idptest.NewCard(t)
	se, _ := pair(t, e, card)

	token, err := e.AlternateAuthentication(context.Background(), testProfile, se, testDevice, MethodsStrong)
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.Equal(t, 1, srv.Hits("POST /auth/alternative"))

	stored, err := store.LoadAuthData(testProfile)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SingleSignOnToken.Token)
	assert.Equal(t, ScopeAlternateAuthentication, stored.SingleSignOnToken.Scope)

	// the stored SSO token refreshes like one of the card flow
	_, err = e.RefreshAccessTokenWithSSO(context.Background(), testProfile)
	require.NoError(t, err)
}

func TestAlternateAuthenticationRequiresPairing(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	se, err := NewSecureElement()
	require.NoError(t, err)

	_, err = e.AlternateAuthentication(context.Background(), testProfile, se, testDevice, MethodsStrong)
	require.ErrorIs(t, err, ErrSingleSignOnToken)
	assert.Equal(t, 0, srv.Hits("GET /auth"))
}

func TestAlternateAuthenticationOtherKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	card := idptest.NewCard(t)
	pair(t, e, card)
	other, err := NewSecureElement()
	require.NoError(t, err)

	_, err = e.AlternateAuthentication(context.Background(), testProfile, other, testDevice, MethodsDeviceCredentials)
	require.ErrorIs(t, err, ErrSingleSignOnToken)
	assert.ErrorContains(t, err, "does not match")
}

func TestLoadSecureElement(t *testing.T) {
	se, err := NewSecureElement()
	require.NoError(t, err)
	der, err := se.MarshalPrivateKey()
	require.NoError(t, err)

	loaded, err := LoadSecureElement(se.Alias, der)
	require.NoError(t, err)
	assert.True(t, loaded.PublicKey().Equal(se.PublicKey()))

	_, err = LoadSecureElement(se.Alias[:16], der)
	assert.Error(t, err)
}
