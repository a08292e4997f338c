package governance

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/store"
)

// DefaultRotationInterval is how often the encryption key is rotated.
const DefaultRotationInterval = 90 * 24 * time.Hour

// rotationTick is how often the scheduler checks whether rotation is due.
const rotationTick = time.Hour

// KeyMetadata is the rotation bookkeeping persisted to oauth-keys.json.
// The key material itself lives only in the key file.
type KeyMetadata struct {
	Version      int   `json:"version"`
	LastRotation int64 `json:"last_rotation"`
	NextRotation int64 `json:"next_rotation"`
}

// Rotator re-encrypts every encrypted column under a fresh key. Failure
// rolls the transaction back and leaves the old key authoritative.
type Rotator struct {
	mu       sync.Mutex
	crypto   *crypto.Service
	store    *store.Store
	audit    *Audit
	metaPath string
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRotator creates the key rotator.
func NewRotator(cryptoSvc *crypto.Service, st *store.Store, audit *Audit, metaPath string, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		crypto:   cryptoSvc,
		store:    st,
		audit:    audit,
		metaPath: metaPath,
		interval: DefaultRotationInterval,
		logger:   logger.Named("key-rotation"),
	}
}

// Metadata loads the persisted rotation metadata, defaulting to version 1
// anchored at now when the file does not exist.
func (r *Rotator) Metadata() (*KeyMetadata, error) {
	data, err := os.ReadFile(r.metaPath)
	if os.IsNotExist(err) {
		now := time.Now()
		return &KeyMetadata{
			Version:      1,
			LastRotation: now.UnixMilli(),
			NextRotation: now.Add(r.interval).UnixMilli(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta KeyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *Rotator) writeMetadata(meta *KeyMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.metaPath, data, 0o600)
}

// Rotate generates a new key, re-encrypts every encrypted column in one
// transaction, swaps the key file, and bumps the version. The key version
// increases monotonically.
func (r *Rotator) Rotate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.Metadata()
	if err != nil {
		return err
	}

	newKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	newSvc, err := crypto.NewWithKey(newKey)
	if err != nil {
		return err
	}

	if err := r.store.ReencryptAll(ctx, r.crypto.Decrypt, newSvc.Encrypt); err != nil {
		r.logger.Error("key rotation failed, old key remains authoritative", zap.Error(err))
		if r.audit != nil {
			r.audit.Log(ctx, EventSuspiciousActivity, SeverityError, "", map[string]any{
				"operation": "key_rotation",
				"error":     err.Error(),
			})
		}
		return err
	}

	if err := r.crypto.Rekey(newKey); err != nil {
		// The database now holds ciphertexts under the new key but the key
		// file write failed. Surface loudly; this needs operator attention.
		if r.audit != nil {
			r.audit.Log(ctx, EventSuspiciousActivity, SeverityCritical, "", map[string]any{
				"operation": "key_rotation",
				"error":     "re-encryption committed but key file write failed: " + err.Error(),
			})
		}
		return err
	}

	now := time.Now()
	meta.Version++
	meta.LastRotation = now.UnixMilli()
	meta.NextRotation = now.Add(r.interval).UnixMilli()
	if err := r.writeMetadata(meta); err != nil {
		return err
	}

	r.logger.Info("encryption key rotated", zap.Int("version", meta.Version))
	if r.audit != nil {
		r.audit.Log(ctx, EventKeyRotated, SeverityInfo, "", map[string]any{
			"version": meta.Version,
		})
	}
	return nil
}

// RotateIfDue rotates when the schedule says so.
func (r *Rotator) RotateIfDue(ctx context.Context) error {
	meta, err := r.Metadata()
	if err != nil {
		return err
	}
	if time.Now().UnixMilli() < meta.NextRotation {
		return nil
	}
	return r.Rotate(ctx)
}

// Start launches the hourly scheduler tick. Stop releases it.
func (r *Rotator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(rotationTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RotateIfDue(ctx); err != nil {
					r.logger.Warn("scheduled key rotation failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the scheduler and waits for it to exit.
func (r *Rotator) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
