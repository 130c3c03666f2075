package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-migrate/internal/model"
)

type memBackend struct {
	blobs map[string][]byte
}

func (m *memBackend) SaveCredentials(_ context.Context, ref, _ string, _ model.Source, sealed []byte) error {
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	m.blobs[ref] = sealed
	return nil
}

func (m *memBackend) LoadCredentials(_ context.Context, ref string) ([]byte, error) {
	b, ok := m.blobs[ref]
	if !ok {
		return nil, eris.New("not found")
	}
	return b, nil
}

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
}

func TestVault_PutGet(t *testing.T) {
	backend := &memBackend{}
	v, err := New(testKey(), backend)
	require.NoError(t, err)

	creds := Credentials{AccessToken: "tok-secret", InstanceURL: "https://acme.my.salesforce.com"}
	ref, err := v.Put(context.Background(), "org-1", model.SourceSalesforce, creds)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "cred_"))

	// Stored blob never contains the plaintext secret.
	assert.NotContains(t, string(backend.blobs[ref]), "tok-secret")

	got, err := v.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestVault_WrongKey(t *testing.T) {
	backend := &memBackend{}
	v, err := New(testKey(), backend)
	require.NoError(t, err)
	ref, err := v.Put(context.Background(), "org-1", model.SourceA, Credentials{APIKey: "k"})
	require.NoError(t, err)

	other, err := New(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32)), backend)
	require.NoError(t, err)
	_, err = other.Get(context.Background(), ref)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestVault_TruncatedBlob(t *testing.T) {
	backend := &memBackend{blobs: map[string][]byte{"r": {1, 2, 3}}}
	v, err := New(testKey(), backend)
	require.NoError(t, err)
	_, err = v.Get(context.Background(), "r")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNew_BadKey(t *testing.T) {
	_, err := New("not base64!", &memBackend{})
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")), &memBackend{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	_, err = New(k, &memBackend{})
	assert.NoError(t, err)
}

func TestCredentials_Empty(t *testing.T) {
	assert.True(t, Credentials{}.Empty())
	assert.True(t, Credentials{InstanceURL: "x"}.Empty())
	assert.False(t, Credentials{APIKey: "k"}.Empty())
	assert.False(t, Credentials{AccessToken: "t"}.Empty())
}
