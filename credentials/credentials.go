// Package credentials keeps the Fathom API key in ~/.ftm/credentials.yaml, encrypted at
// rest with AES-GCM.
//
// The encryption key comes from the system keyring (macOS Keychain, Windows Credential
// Manager, Linux Secret Service). Headless hosts set FTM_ENCRYPTION_KEY to a 64-character
// hex string, or FTM_CREDENTIALS_PASSPHRASE to derive the key with Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/fathom-transcripts/config"
)

// DefaultCredentialsFile is the file name inside the config directory.
const DefaultCredentialsFile = "credentials.yaml"

// Key sources reported by ResolveAPIKey.
const (
	SourceEnv    = "environment"
	SourceConfig = "config file"
	SourceStore  = "credentials store"
)

var (
	// ErrNoCredentials is returned when no credentials are stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrEncryptionFailed is returned when encryption or decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Credentials holds the stored Fathom credentials.
type Credentials struct {
	// APIKey is encrypted at rest.
	APIKey string `yaml:"api_key"`
	// BaseURL records which API the key was verified against.
	BaseURL     string    `yaml:"base_url,omitempty"`
	VerifiedAt  time.Time `yaml:"verified_at,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
}

// Store manages the encrypted credentials file.
type Store struct {
	dir         string
	key         []byte
	keyProvider KeyProvider
}

// NewStore opens the store in the config directory with DefaultKeyProvider.
func NewStore() (*Store, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	provider, err := DefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(dir, provider)
}

// NewStoreWithKeyProvider opens a store in dir with a custom key provider.
func NewStoreWithKeyProvider(dir string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{dir: dir, key: key, keyProvider: provider}, nil
}

// Path returns the credentials file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, DefaultCredentialsFile)
}

// KeyDescription names where the encryption key lives.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// Save encrypts and writes creds with mode 0600.
func (s *Store) Save(creds *Credentials) error {
	if creds.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	stored := *creds
	stored.LastUpdated = time.Now().UTC()
	encrypted, err := s.encrypt(creds.APIKey)
	if err != nil {
		return fmt.Errorf("encrypting API key: %w", err)
	}
	stored.APIKey = encrypted

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads and decrypts the credentials file.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.APIKey == "" {
		return nil, ErrNoCredentials
	}

	plain, err := s.decrypt(creds.APIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting API key: %w", err)
	}
	creds.APIKey = plain
	return &creds, nil
}

// Delete removes stored credentials. Deleting nothing is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists reports whether a credentials file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}
	gcm, err := newGCM(s.key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// KeyLoader is satisfied by *Store.
type KeyLoader interface {
	Load() (*Credentials, error)
}

// ResolveAPIKey returns the Fathom API key and where it came from. FATHOM_API_KEY wins,
// then the config file value, then the credentials store. A nil loader skips the store.
func ResolveAPIKey(cfg *config.Config, loader KeyLoader) (key, source string, err error) {
	if v := os.Getenv("FATHOM_API_KEY"); v != "" {
		return v, SourceEnv, nil
	}
	if cfg != nil && cfg.Fathom.APIKey != "" {
		return cfg.Fathom.APIKey, SourceConfig, nil
	}
	if loader == nil {
		return "", "", ErrNoCredentials
	}
	creds, err := loader.Load()
	if err != nil {
		return "", "", err
	}
	return creds.APIKey, SourceStore, nil
}

// MaskAPIKey shows the first and last four characters of a key.
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
}
