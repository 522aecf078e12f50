package idp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken() SingleSignOnToken {
	return SingleSignOnToken{
		Token:                 "sso-token",
		Scope:                 ScopeDefault,
		ValidOn:               time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		HealthCardCertificate: Blob{0x30, 0x82, 0x01, 0x00},
	}
}

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "state", "idp.yaml")),
	}
}

func TestStore(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			data, err := store.LoadAuthData(testProfile)
			require.NoError(t, err)
			assert.Nil(t, data.SingleSignOnToken)

			require.NoError(t, store.SaveSingleSignOnToken(testProfile, testToken()))
			data, err = store.LoadAuthData(testProfile)
			require.NoError(t, err)
			require.NotNil(t, data.SingleSignOnToken)
			if diff := cmp.Diff(testToken(), *data.SingleSignOnToken); diff != "" {
				t.Errorf("stored token mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, store.InvalidateSingleSignOnToken(testProfile))
			data, err = store.LoadAuthData(testProfile)
			require.NoError(t, err)
			want := testToken()
			want.Token = ""
			want.ValidOn = time.Time{}
			if diff := cmp.Diff(want, *data.SingleSignOnToken); diff != "" {
				t.Errorf("invalidated token mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, store.ClearAuthData(testProfile))
			data, err = store.LoadAuthData(testProfile)
			require.NoError(t, err)
			assert.Nil(t, data.SingleSignOnToken)

			raw, err := store.LoadConfiguration()
			require.NoError(t, err)
			assert.Empty(t, raw)
			require.NoError(t, store.SaveConfiguration("a.b.c"))
			raw, err = store.LoadConfiguration()
			require.NoError(t, err)
			assert.Equal(t, "a.b.c", raw)
			require.NoError(t, store.InvalidateConfiguration())
			raw, err = store.LoadConfiguration()
			require.NoError(t, err)
			assert.Empty(t, raw)
		})
	}
}

func TestStoreProfilesAreSeparate(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveSingleSignOnToken("a", testToken()))

	data, err := store.LoadAuthData("b")
	require.NoError(t, err)
	assert.Nil(t, data.SingleSignOnToken)

	// a loaded token is a copy
	data, err = store.LoadAuthData("a")
	require.NoError(t, err)
	data.SingleSignOnToken.Token = "changed"
	again, err := store.LoadAuthData("a")
	require.NoError(t, err)
	assert.Equal(t, "sso-token", again.SingleSignOnToken.Token)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.yaml")
	require.NoError(t, NewFileStore(path).SaveSingleSignOnToken(testProfile, testToken()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := NewFileStore(path).LoadAuthData(testProfile)
	require.NoError(t, err)
	require.NotNil(t, data.SingleSignOnToken)
	assert.Equal(t, testToken().HealthCardCertificate, data.SingleSignOnToken.HealthCardCertificate)
}

func TestFileStoreRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: {}\nunknown: 1\n"), 0o600))

	_, err := NewFileStore(path).LoadAuthData(testProfile)
	assert.Error(t, err)
}

func TestFileStoreEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	data, err := NewFileStore(path).LoadAuthData(testProfile)
	require.NoError(t, err)
	assert.Nil(t, data.SingleSignOnToken)
}

func TestTokenCache(t *testing.T) {
	now := time.Now()
	c := NewTokenCache()
	c.Put(testProfile, AccessToken{Token: "at", ExpiresOn: now.Add(time.Minute)})

	got, ok := c.Get(testProfile, now)
	assert.True(t, ok)
	assert.Equal(t, "at", got.Token)

	_, ok = c.Get(testProfile, now.Add(2*time.Minute))
	assert.False(t, ok)

	c.Invalidate(testProfile)
	_, ok = c.Get(testProfile, now)
	assert.False(t, ok)
}
