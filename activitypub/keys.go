package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrKeyMaterial means an identity has no usable signing key and none could
// be created. Operations that need to sign abort on it instead of retrying.
var ErrKeyMaterial = errors.New("signing key unavailable")

// KeyManager owns the signing key pairs of local identities. A key pair is
// generated on first use and never replaced afterwards.
type KeyManager struct {
	db     *db.DB
	bits   int
	logger *zap.Logger

	mu     sync.Mutex
	parsed map[uuid.UUID]*rsa.PrivateKey
}

func NewKeyManager(database *db.DB, bits int, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		db:     database,
		bits:   bits,
		logger: logger.Named("keys"),
		parsed: make(map[uuid.UUID]*rsa.PrivateKey),
	}
}

// EnsureKeys returns the identity with its key pair present, generating and
// storing one if needed. When two callers race, the first stored pair wins
// and both see it.
func (k *KeyManager) EnsureKeys(ctx context.Context, identity *domain.LocalIdentity) (*domain.LocalIdentity, error) {
	if identity.HasKeys() {
		return identity, nil
	}

	pair, err := util.GeneratePemKeypair(k.bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	written, err := k.db.SetIdentityKeys(ctx, identity.Id, pair.Private, pair.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to store keys for %s: %w", identity.Handle, err)
	}

	stored, err := k.db.ReadIdentityById(ctx, identity.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload identity %s: %w", identity.Handle, err)
	}
	if !stored.HasKeys() {
		return nil, fmt.Errorf("%w: identity %s still has no keys", ErrKeyMaterial, identity.Handle)
	}
	if written {
		k.logger.Info("generated key pair", zap.String("identity", identity.Handle), zap.Int("bits", k.bits))
	}
	return stored, nil
}

// PrivateKey returns the parsed signing key of identity.
func (k *KeyManager) PrivateKey(ctx context.Context, identity *domain.LocalIdentity) (*rsa.PrivateKey, error) {
	k.mu.Lock()
	key, ok := k.parsed[identity.Id]
	k.mu.Unlock()
	if ok {
		return key, nil
	}

	withKeys, err := k.EnsureKeys(ctx, identity)
	if err != nil {
		return nil, err
	}
	key, err = ParsePrivateKey(withKeys.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	k.mu.Lock()
	k.parsed[identity.Id] = key
	k.mu.Unlock()
	return key, nil
}
