// Package vault seals source credentials at rest with NaCl secretbox.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/sells-group/crm-migrate/internal/model"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned when a sealed blob cannot be opened with the key.
var ErrDecrypt = eris.New("vault: decrypt failed")

// Credentials are the secrets a source adapter needs. Which fields are set
// depends on the source.
type Credentials struct {
	APIKey      string `json:"apiKey,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	InstanceURL string `json:"instanceUrl,omitempty"`
}

// Empty reports whether neither an API key nor an access token is present.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.AccessToken == ""
}

// Backend persists sealed blobs. store.Store satisfies it.
type Backend interface {
	SaveCredentials(ctx context.Context, ref, orgID string, source model.Source, sealed []byte) error
	LoadCredentials(ctx context.Context, ref string) ([]byte, error)
}

// Vault seals credentials and stores them under opaque references.
type Vault struct {
	key     [keySize]byte
	backend Backend
	rand    io.Reader
}

// New builds a vault from a base64 encoded 32-byte key.
func New(encodedKey string, backend Backend) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, eris.Wrap(err, "vault: decode key")
	}
	if len(raw) != keySize {
		return nil, eris.Errorf("vault: key must be %d bytes, got %d", keySize, len(raw))
	}
	v := &Vault{backend: backend, rand: rand.Reader}
	copy(v.key[:], raw)
	return v, nil
}

// GenerateKey returns a fresh base64 key suitable for vault.key.
func GenerateKey() (string, error) {
	var k [keySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", eris.Wrap(err, "vault: generate key")
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}

// Put seals creds and returns the reference they are stored under.
func (v *Vault) Put(ctx context.Context, orgID string, source model.Source, creds Credentials) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", eris.Wrap(err, "vault: marshal credentials")
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return "", err
	}
	ref := "cred_" + uuid.New().String()
	if err := v.backend.SaveCredentials(ctx, ref, orgID, source, sealed); err != nil {
		return "", eris.Wrap(err, "vault: save")
	}
	return ref, nil
}

// Get loads and opens the credentials stored under ref.
func (v *Vault) Get(ctx context.Context, ref string) (Credentials, error) {
	sealed, err := v.backend.LoadCredentials(ctx, ref)
	if err != nil {
		return Credentials{}, eris.Wrapf(err, "vault: load %s", model.RedactRef(ref))
	}
	plain, err := v.open(sealed)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, eris.Wrap(err, "vault: unmarshal credentials")
	}
	return creds, nil
}

func (v *Vault) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(v.rand, nonce[:]); err != nil {
		return nil, eris.Wrap(err, "vault: nonce")
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
