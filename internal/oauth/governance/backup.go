package governance

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/store"
)

// BackupVersion is the payload format version.
const BackupVersion = "1"

// automaticBackupsKept is how many automatic daily backups are retained.
// Manual backups are never auto-pruned.
const automaticBackupsKept = 7

// backupEncryptionKey marks a payload sealed under the current data key;
// backupEncryptionPass marks one sealed under a user passphrase.
const (
	backupEncryptionKey  = "key"
	backupEncryptionPass = "passphrase"
)

// backupPayload is the plaintext dataset inside the sealed blob.
type backupPayload struct {
	Version       string               `json:"version"`
	CreatedAt     int64                `json:"created_at"`
	MachineIDHash string               `json:"machine_id_hash"`
	AppVersion    string               `json:"app_version"`
	ConfigCount   int                  `json:"config_count"`
	TokenCount    int                  `json:"token_count"`
	Checksum      string               `json:"checksum"`
	Configs       []*store.OAuthConfig `json:"configs"`
	Tokens        []*store.OAuthToken  `json:"tokens"`
}

// backupEnvelope is what actually lands on disk: metadata in the clear,
// the dataset only as an encrypted blob.
type backupEnvelope struct {
	Version    string `json:"version"`
	CreatedAt  int64  `json:"created_at"`
	Encryption string `json:"encryption"`
	Data       string `json:"data"`
}

// HistoryEntry records one backup in backup-history.json.
type HistoryEntry struct {
	File        string `json:"file"`
	CreatedAt   int64  `json:"created_at"`
	Automatic   bool   `json:"automatic"`
	ConfigCount int    `json:"config_count"`
	TokenCount  int    `json:"token_count"`
	Checksum    string `json:"checksum"`
}

// BackupOptions controls a single backup run.
type BackupOptions struct {
	Passphrase string
	Automatic  bool
}

// Backups creates and restores encrypted snapshots of the OAuth dataset.
type Backups struct {
	dir        string
	store      *store.Store
	crypto     *crypto.Service
	audit      *Audit
	appVersion string
	logger     *zap.Logger
}

// NewBackups creates the backup manager rooted at dir.
func NewBackups(dir string, st *store.Store, cryptoSvc *crypto.Service, audit *Audit, appVersion string, logger *zap.Logger) (*Backups, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Backups{
		dir:        dir,
		store:      st,
		crypto:     cryptoSvc,
		audit:      audit,
		appVersion: appVersion,
		logger:     logger.Named("backup"),
	}, nil
}

func (b *Backups) historyPath() string {
	return filepath.Join(b.dir, "backup-history.json")
}

func (b *Backups) loadHistory() ([]HistoryEntry, error) {
	data, err := os.ReadFile(b.historyPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Backups) writeHistory(entries []HistoryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.historyPath(), data, 0o600)
}

// datasetChecksum hashes the canonical JSON of {configs, tokens}.
func datasetChecksum(configs []*store.OAuthConfig, tokens []*store.OAuthToken) (string, error) {
	blob, err := json.Marshal(struct {
		Configs []*store.OAuthConfig `json:"configs"`
		Tokens  []*store.OAuthToken  `json:"tokens"`
	}{configs, tokens})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// machineIDHash identifies the host without leaking the hostname.
func machineIDHash() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:8])
}

// Create snapshots the OAuth dataset into a dated file under the backup
// directory and records it in the history. Automatic backups beyond the
// retention count are pruned.
func (b *Backups) Create(ctx context.Context, opts BackupOptions) (string, error) {
	configs, err := b.store.ListOAuthConfigs(ctx)
	if err != nil {
		return "", err
	}
	tokens, err := b.store.ListOAuthTokens(ctx)
	if err != nil {
		return "", err
	}

	checksum, err := datasetChecksum(configs, tokens)
	if err != nil {
		return "", err
	}

	now := time.Now()
	payload := backupPayload{
		Version:       BackupVersion,
		CreatedAt:     now.UnixMilli(),
		MachineIDHash: machineIDHash(),
		AppVersion:    b.appVersion,
		ConfigCount:   len(configs),
		TokenCount:    len(tokens),
		Checksum:      checksum,
		Configs:       configs,
		Tokens:        tokens,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	envelope := backupEnvelope{
		Version:   BackupVersion,
		CreatedAt: now.UnixMilli(),
	}
	if opts.Passphrase != "" {
		sealed, err := crypto.BackupEncrypt(plaintext, opts.Passphrase)
		if err != nil {
			return "", err
		}
		envelope.Encryption = backupEncryptionPass
		envelope.Data = base64.StdEncoding.EncodeToString(sealed)
	} else {
		sealed, err := b.crypto.Encrypt(string(plaintext))
		if err != nil {
			return "", err
		}
		envelope.Encryption = backupEncryptionKey
		envelope.Data = sealed
	}

	kind := "manual"
	if opts.Automatic {
		kind = "auto"
	}
	name := fmt.Sprintf("oauth-backup-%s-%s-%s.json", kind, now.Format("20060102-150405"), ulid.Make().String())
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}

	history, err := b.loadHistory()
	if err != nil {
		return "", err
	}
	history = append(history, HistoryEntry{
		File:        name,
		CreatedAt:   now.UnixMilli(),
		Automatic:   opts.Automatic,
		ConfigCount: len(configs),
		TokenCount:  len(tokens),
		Checksum:    checksum,
	})
	history = b.pruneAutomatic(history)
	if err := b.writeHistory(history); err != nil {
		return "", err
	}

	b.logger.Info("backup created",
		zap.String("file", name),
		zap.Int("configs", len(configs)),
		zap.Int("tokens", len(tokens)))
	if b.audit != nil {
		b.audit.Log(ctx, EventBackupCreated, SeverityInfo, "", map[string]any{
			"file":      name,
			"automatic": opts.Automatic,
		})
	}
	return path, nil
}

// pruneAutomatic deletes the oldest automatic backups beyond the retention
// count. Manual backups are untouched.
func (b *Backups) pruneAutomatic(history []HistoryEntry) []HistoryEntry {
	var automatic []HistoryEntry
	for _, e := range history {
		if e.Automatic {
			automatic = append(automatic, e)
		}
	}
	if len(automatic) <= automaticBackupsKept {
		return history
	}

	sort.Slice(automatic, func(i, j int) bool { return automatic[i].CreatedAt < automatic[j].CreatedAt })
	doomed := make(map[string]bool)
	for _, e := range automatic[:len(automatic)-automaticBackupsKept] {
		doomed[e.File] = true
		if err := os.Remove(filepath.Join(b.dir, e.File)); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("failed to prune backup", zap.String("file", e.File), zap.Error(err))
		}
	}

	kept := history[:0]
	for _, e := range history {
		if !doomed[e.File] {
			kept = append(kept, e)
		}
	}
	return kept
}

// CreateDailyIfDue makes an automatic backup when none exists for today.
func (b *Backups) CreateDailyIfDue(ctx context.Context) error {
	history, err := b.loadHistory()
	if err != nil {
		return err
	}
	today := time.Now().Truncate(24 * time.Hour)
	for _, e := range history {
		if e.Automatic && time.UnixMilli(e.CreatedAt).After(today) {
			return nil
		}
	}
	_, err = b.Create(ctx, BackupOptions{Automatic: true})
	return err
}

// Restore loads a backup file, verifies its checksum, and writes the dataset
// back through the store so every secret is re-encrypted under the current key.
func (b *Backups) Restore(ctx context.Context, path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var envelope backupEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("invalid backup envelope: %w", err)
	}

	var plaintext []byte
	switch envelope.Encryption {
	case backupEncryptionPass:
		if passphrase == "" {
			return fmt.Errorf("backup %s requires a passphrase", filepath.Base(path))
		}
		sealed, err := base64.StdEncoding.DecodeString(envelope.Data)
		if err != nil {
			return fmt.Errorf("invalid backup data: %w", err)
		}
		plaintext, err = crypto.BackupDecrypt(sealed, passphrase)
		if err != nil {
			return err
		}
	case backupEncryptionKey:
		text, err := b.crypto.Decrypt(envelope.Data)
		if err != nil {
			return err
		}
		plaintext = []byte(text)
	default:
		return fmt.Errorf("unknown backup encryption %q", envelope.Encryption)
	}

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("invalid backup payload: %w", err)
	}

	checksum, err := datasetChecksum(payload.Configs, payload.Tokens)
	if err != nil {
		return err
	}
	if checksum != payload.Checksum {
		return fmt.Errorf("backup checksum mismatch: stored %s, computed %s", payload.Checksum, checksum)
	}

	for _, cfg := range payload.Configs {
		if err := b.store.SaveOAuthConfig(ctx, cfg); err != nil {
			return err
		}
	}
	for _, tok := range payload.Tokens {
		if err := b.store.SaveOAuthToken(ctx, tok); err != nil {
			return err
		}
	}

	b.logger.Info("backup restored",
		zap.String("file", filepath.Base(path)),
		zap.Int("configs", len(payload.Configs)),
		zap.Int("tokens", len(payload.Tokens)))
	if b.audit != nil {
		b.audit.Log(ctx, EventBackupRestored, SeverityInfo, "", map[string]any{
			"file": filepath.Base(path),
		})
	}
	return nil
}
