// Package keys generates and destroys per-session tunnel key material.
//
// Each bridge session gets two fresh curve25519 key pairs, one per tunnel
// endpoint. Only public keys ever leave this package in serialized form;
// private keys live in process memory and are zeroized synchronously when
// the session's material is destroyed.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of a curve25519 key in bytes.
const KeySize = 32

// KeyPair is one endpoint's asymmetric key pair.
type KeyPair struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// PublicKey returns the base64-encoded public key.
func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

// PrivateKey returns the base64-encoded private key. Callers hand this to a
// tunnel endpoint's transient configuration only; it must never be persisted.
func (k *KeyPair) PrivateKey() string {
	return base64.StdEncoding.EncodeToString(k.private[:])
}

func (k *KeyPair) zeroize() {
	for i := range k.private {
		k.private[i] = 0
	}
}

// Material is the key material scoped to one bridge session.
type Material struct {
	SessionID string
	Relay     *KeyPair
	Gateway   *KeyPair
}

// Manager owns all live session key material.
type Manager struct {
	mu       sync.Mutex
	material map[string]*Material
}

// NewManager creates an empty key manager.
func NewManager() *Manager {
	return &Manager{material: make(map[string]*Material)}
}

// Generate creates fresh key pairs for both tunnel endpoints of a session.
// Generating twice for the same session is an error; key material is
// single-use by design.
func (m *Manager) Generate(sessionID string) (*Material, error) {
	relay, err := newKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate relay key pair")
	}

	gateway, err := newKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate gateway key pair")
	}

	mat := &Material{
		SessionID: sessionID,
		Relay:     relay,
		Gateway:   gateway,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.material[sessionID]; exists {
		return nil, errors.Newf("key material for session %s already exists", sessionID)
	}

	m.material[sessionID] = mat

	return mat, nil
}

// Get returns the live material for a session, or false if none exists.
func (m *Manager) Get(sessionID string) (*Material, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mat, ok := m.material[sessionID]

	return mat, ok
}

// Destroy zeroizes and forgets a session's private keys. Destroying unknown
// or already-destroyed material is a no-op so teardown stays idempotent.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mat, ok := m.material[sessionID]
	if !ok {
		return
	}

	mat.Relay.zeroize()
	mat.Gateway.zeroize()
	delete(m.material, sessionID)
}

// Live reports how many sessions currently hold key material.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.material)
}

func newKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}

	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read random bytes")
	}

	// Standard curve25519 scalar clamping.
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive public key")
	}

	copy(kp.public[:], pub)

	return kp, nil
}
