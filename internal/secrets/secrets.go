// Package secrets persists provider credentials (API keys, OAuth token
// bundles) as encrypted files, one per provider, under the data
// directory. Encryption is delegated to a Cipher supplied by the host;
// the store itself never sees key material.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

var (
	// ErrUnavailable means the host cipher cannot serve and credentials
	// must not be persisted.
	ErrUnavailable = errors.New("secret store unavailable")
	// ErrNotFound means no credential is stored for the provider.
	ErrNotFound = errors.New("credential not found")
)

// Cipher is the host secret-store capability. Production wires an
// OS-keychain-backed implementation or LocalCipher; tests use fakes.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Available() bool
}

// Store reads and writes encrypted credential files with an in-memory
// plaintext cache keyed by provider. Writes invalidate the cached
// entry; corrupt files are deleted on read so a bad credential never
// wedges the provider permanently.
type Store struct {
	dir    string
	cipher Cipher

	mu    sync.Mutex
	cache map[string][]byte
}

// NewStore creates a credential store rooted at dir.
func NewStore(dir string, cipher Cipher) *Store {
	return &Store{dir: dir, cipher: cipher, cache: make(map[string][]byte)}
}

// Available reports whether credentials can be encrypted right now.
func (s *Store) Available() bool {
	return s.cipher != nil && s.cipher.Available()
}

// Set encrypts and persists a credential for the provider. Refuses to
// write anything when the cipher is unavailable.
func (s *Store) Set(provider string, credential []byte) error {
	path, err := s.credentialPath(provider)
	if err != nil {
		return err
	}
	if !s.Available() {
		return fmt.Errorf("cannot persist credential for %s: %w", provider, ErrUnavailable)
	}

	ciphertext, err := s.cipher.Encrypt(credential)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential for %s: %w", provider, err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write credential for %s: %w", provider, err)
	}

	s.mu.Lock()
	delete(s.cache, provider)
	s.mu.Unlock()

	logging.Secrets("Stored credential for provider %s (%d bytes encrypted)", provider, len(ciphertext))
	return nil
}

// Get returns the decrypted credential for the provider. Results are
// cached until the next Set or Delete for the same provider. A file
// that fails to decrypt is removed and reported as an error.
func (s *Store) Get(provider string) ([]byte, error) {
	s.mu.Lock()
	if cached, ok := s.cache[provider]; ok {
		out := make([]byte, len(cached))
		copy(out, cached)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	path, err := s.credentialPath(provider)
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("provider %s: %w", provider, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential for %s: %w", provider, err)
	}

	if s.cipher == nil {
		return nil, fmt.Errorf("provider %s: %w", provider, ErrUnavailable)
	}
	plaintext, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		// Undecryptable file is dead weight. Remove it so the next
		// connect attempt starts clean.
		if rmErr := os.Remove(path); rmErr != nil {
			logging.SecretsWarn("Failed to remove corrupt credential %s: %v", path, rmErr)
		} else {
			logging.SecretsWarn("Deleted corrupt credential for provider %s", provider)
		}
		return nil, fmt.Errorf("failed to decrypt credential for %s: %w", provider, err)
	}

	s.mu.Lock()
	s.cache[provider] = plaintext
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	s.mu.Unlock()
	return out, nil
}

// Delete removes the stored credential and its cache entry. Deleting a
// provider that has no credential is not an error.
func (s *Store) Delete(provider string) error {
	path, err := s.credentialPath(provider)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, provider)
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential for %s: %w", provider, err)
	}
	return nil
}

// credentialPath validates the provider name and maps it to a file.
func (s *Store) credentialPath(provider string) (string, error) {
	if provider == "" || strings.ContainsAny(provider, `/\.`) {
		return "", fmt.Errorf("invalid provider name %q", provider)
	}
	return filepath.Join(s.dir, provider+".cred"), nil
}
