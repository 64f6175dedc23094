package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"warren/pkg/delivery"
	"warren/pkg/httpsig"
)

// rsaKeyBits is the size of generated account keys. 2048 is the floor
// that remote signature verifiers accept.
const rsaKeyBits = 2048

// instanceKeyName is the on-disk name for the instance actor's key,
// used when signing on behalf of the wildcard account.
const instanceKeyName = "instance"

// Manager owns the signing keys for local accounts. Keys live as PEM
// files under the key directory and are generated lazily on first use.
type Manager struct {
	mu          sync.Mutex
	dir         string
	localDomain string
	keys        map[string]*rsa.PrivateKey
	logger      *zap.Logger
}

// NewManager creates a key manager rooted at dir. The directory is
// created if missing.
func NewManager(dir, localDomain string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &Manager{
		dir:         dir,
		localDomain: localDomain,
		keys:        make(map[string]*rsa.PrivateKey),
		logger:      logger,
	}, nil
}

// SignerFor returns the HTTP signature signer for a local account,
// generating and persisting a fresh key if none exists yet.
func (m *Manager) SignerFor(accountKey string) (*httpsig.Signer, error) {
	key, err := m.keyFor(accountKey)
	if err != nil {
		return nil, err
	}
	return httpsig.NewSigner(m.keyIDFor(accountKey), key), nil
}

// PublicKeyPEM returns the PEM-encoded public key for a local account.
func (m *Manager) PublicKeyPEM(accountKey string) (string, error) {
	key, err := m.keyFor(accountKey)
	if err != nil {
		return "", err
	}
	return httpsig.PublicKeyPEM(key.Public())
}

// KeyID returns the key identifier published for a local account.
func (m *Manager) KeyID(accountKey string) string {
	return m.keyIDFor(accountKey)
}

func (m *Manager) keyIDFor(accountKey string) string {
	if accountKey == delivery.WildcardAccount {
		return fmt.Sprintf("https://%s/actor#main-key", m.localDomain)
	}
	return fmt.Sprintf("https://%s/users/%s#main-key", m.localDomain, accountKey)
}

func (m *Manager) keyFor(accountKey string) (*rsa.PrivateKey, error) {
	name := accountKey
	if name == delivery.WildcardAccount {
		name = instanceKeyName
	}
	if strings.ContainsAny(name, "/\\.") {
		return nil, fmt.Errorf("invalid account name %q", accountKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.keys[name]; ok {
		return key, nil
	}

	path := filepath.Join(m.dir, name+".pem")
	if key, err := loadKey(path); err == nil {
		m.keys[name] = key
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load key for %q: %w", accountKey, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key for %q: %w", accountKey, err)
	}
	if err := saveKey(path, key); err != nil {
		return nil, fmt.Errorf("failed to save key for %q: %w", accountKey, err)
	}

	m.logger.Info("Generated signing key",
		zap.String("account", accountKey),
		zap.String("path", path))

	m.keys[name] = key
	return key, nil
}

func loadKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unreadable private key in %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return key, nil
}

func saveKey(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := pem.Encode(f, block); err != nil {
		return err
	}
	return f.Sync()
}
