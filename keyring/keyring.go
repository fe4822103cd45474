// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yllada/veilvpn/common"
)

const (
	// DefaultService is the identifier used in the system keyring.
	DefaultService = "veilvpn"

	probeKey = "veilvpn-probe"
	saltSize = 16
)

// Key derivation parameters for the fallback file.
var (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
)

// Options configures a Store.
type Options struct {
	// Service names the keyring entry group. Defaults to DefaultService.
	Service string
	// FilePath is the encrypted fallback file. Defaults to
	// <config dir>/.credentials.
	FilePath string
	// ForceFile skips the system keyring.
	ForceFile bool
}

// Store implements common.CredentialStore.
type Store struct {
	service string
	logger  zerolog.Logger

	mu       sync.RWMutex
	useLocal bool
	file     string
	local    map[string]string
	salt     []byte
	key      []byte
}

// New creates a store, probing the system keyring once.
func New(opts Options) (*Store, error) {
	s := &Store{
		service: opts.Service,
		file:    opts.FilePath,
		logger:  common.WithComponent("keyring"),
	}
	if s.service == "" {
		s.service = DefaultService
	}
	if s.file == "" {
		dir, err := common.GetConfigDir()
		if err != nil {
			return nil, err
		}
		s.file = filepath.Join(dir, common.CredentialsFileName)
	}

	if !opts.ForceFile && probeSystemKeyring(s.service) {
		s.logger.Debug().Str("service", s.service).Msg("using system keyring")
		return s, nil
	}

	if err := s.initLocalStorage(); err != nil {
		return nil, err
	}
	return s, nil
}

func probeSystemKeyring(service string) bool {
	if err := keyring.Set(service, probeKey, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(service, probeKey)
	return true
}

// UsingFile reports whether secrets go to the encrypted file.
func (s *Store) UsingFile() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

// Store saves the secret for key.
func (s *Store) Store(key, secret string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", common.ErrCredentialStorage)
	}
	if secret == "" {
		return fmt.Errorf("%w: secret cannot be empty", common.ErrCredentialStorage)
	}

	if !s.UsingFile() {
		err := keyring.Set(s.service, key, secret)
		if err == nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("system keyring rejected secret, falling back to encrypted file")
		if err := s.initLocalStorage(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.local[key] = secret
	s.mu.Unlock()
	return s.saveLocalStore()
}

// Get returns the secret for key or common.ErrCredentialsNotFound.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key cannot be empty", common.ErrCredentialsNotFound)
	}

	if !s.UsingFile() {
		secret, err := keyring.Get(s.service, key)
		if err == nil {
			return secret, nil
		}
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, key)
		}
		return "", fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	s.mu.RLock()
	secret, ok := s.local[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, key)
	}
	return secret, nil
}

// Delete removes the secret for key. Removing a missing key is not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", common.ErrCredentialStorage)
	}

	if !s.UsingFile() {
		err := keyring.Delete(s.service, key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		return nil
	}

	s.mu.Lock()
	_, ok := s.local[key]
	delete(s.local, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.saveLocalStore()
}

// Exists checks if a credential exists for key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

func (s *Store) initLocalStorage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useLocal {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	s.local = make(map[string]string)
	if err := s.loadLocalStore(); err != nil {
		return err
	}
	s.useLocal = true
	s.logger.Info().Str("file", s.file).Msg("using encrypted credentials file")
	return nil
}

// fileFormat is the on-disk layout of the fallback file.
type fileFormat struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Data    string `json:"data"`
}

// loadLocalStore reads the fallback file. Caller holds s.mu.
func (s *Store) loadLocalStore() error {
	raw, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: malformed credentials file: %v", common.ErrDecryption, err)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil || len(salt) != saltSize {
		return fmt.Errorf("%w: bad salt", common.ErrDecryption)
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	s.salt = salt
	s.key = deriveKey(salt)
	plain, err := decrypt(s.key, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &s.local); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return nil
}

func (s *Store) saveLocalStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		s.salt = make([]byte, saltSize)
		if _, err := rand.Read(s.salt); err != nil {
			return fmt.Errorf("%w: %v", common.ErrEncryption, err)
		}
		s.key = deriveKey(s.salt)
	}

	plain, err := json.Marshal(s.local)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	sealed, err := encrypt(s.key, plain)
	if err != nil {
		return err
	}

	out, err := json.Marshal(fileFormat{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Data:    base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	if err := renameio.WriteFile(s.file, out, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// deriveKey stretches machine-specific data with the file's salt.
func deriveKey(salt []byte) []byte {
	hostname, _ := os.Hostname()
	material := fmt.Sprintf("%s-%s-%s-%d", common.AppID, hostname, getMachineID(), os.Getuid())
	return argon2.IDKey([]byte(material), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func getMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}
