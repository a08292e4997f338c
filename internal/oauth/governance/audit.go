// Package governance carries the operational controls around the OAuth core:
// audit logging, rate limiting, key rotation, encrypted backup/restore, and
// versioned migration of the OAuth dataset.
package governance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/store"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Audit event types.
const (
	EventTokenCreated           = "token_created"
	EventTokenRefreshed         = "token_refreshed"
	EventTokenRevoked           = "token_revoked"
	EventTokenExpired           = "token_expired"
	EventTokenValidationFailed  = "token_validation_failed"
	EventKeyRotated             = "key_rotated"
	EventSuspiciousActivity     = "suspicious_activity"
	EventRateLimitExceeded      = "rate_limit_exceeded"
	EventAuthenticationStarted  = "authentication_started"
	EventAuthenticationComplete = "authentication_completed"
	EventAuthenticationFailed   = "authentication_failed"
	EventConfigurationChanged   = "configuration_changed"
	EventConfigurationDeleted   = "configuration_deleted"
	EventBackupCreated          = "backup_created"
	EventBackupRestored         = "backup_restored"
	EventMigrationApplied       = "migration_applied"
	EventMigrationRolledBack    = "migration_rolled_back"
)

// auditRingSize bounds the in-memory entry ring.
const auditRingSize = 10000

// auditRetention is how long file and table entries are kept.
const auditRetention = 90 * 24 * time.Hour

// Entry is one audit event.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	ServerID  string         `json:"server_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Audit appends events to a bounded memory ring, the append-only NDJSON file,
// and the store's audit table. Critical entries additionally hit stderr.
type Audit struct {
	mu     sync.Mutex
	ring   []*Entry
	head   int
	file   *os.File
	path   string
	store  *store.Store
	logger *zap.Logger
}

// NewAudit opens the audit file for appending and trims entries older than
// the retention window from both the file and the store.
func NewAudit(path string, st *store.Store, logger *zap.Logger) (*Audit, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Audit{
		ring:   make([]*Entry, 0, auditRingSize),
		path:   path,
		store:  st,
		logger: logger.Named("audit"),
	}

	if err := a.trimFile(); err != nil {
		return nil, fmt.Errorf("audit retention trim: %w", err)
	}
	if st != nil {
		if _, err := st.TrimAudit(context.Background(), time.Now().Add(-auditRetention)); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	a.file = file
	return a, nil
}

// trimFile rewrites the audit file keeping only entries within retention.
func (a *Audit) trimFile() error {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-auditRetention).UnixMilli()
	var kept [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var entry Entry
		if json.Unmarshal(line, &entry) != nil {
			continue
		}
		if entry.Timestamp >= cutoff {
			kept = append(kept, append([]byte(nil), line...))
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return err
	}

	tmp := a.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	for _, line := range kept {
		if _, err := out.Write(append(line, '\n')); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}

// Log records an audit event. Safe on a nil receiver so wiring without an
// audit sink (tests) stays silent.
func (a *Audit) Log(ctx context.Context, eventType string, severity Severity, serverID string, details map[string]any) {
	if a == nil {
		return
	}
	entry := &Entry{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UnixMilli(),
		EventType: eventType,
		Severity:  severity,
		ServerID:  serverID,
		Details:   details,
	}

	a.mu.Lock()
	if len(a.ring) < auditRingSize {
		a.ring = append(a.ring, entry)
	} else {
		a.ring[a.head] = entry
		a.head = (a.head + 1) % auditRingSize
	}
	if a.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = a.file.Write(append(data, '\n'))
		}
	}
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AppendAudit(ctx, &store.AuditRecord{
			ID:        entry.ID,
			Timestamp: entry.Timestamp,
			EventType: entry.EventType,
			Severity:  string(entry.Severity),
			ServerID:  entry.ServerID,
			Details:   entry.Details,
		}); err != nil {
			a.logger.Warn("failed to persist audit entry", zap.Error(err))
		}
	}

	if severity == SeverityCritical {
		fmt.Fprintf(os.Stderr, "[AUDIT CRITICAL] %s server=%s %v\n", eventType, serverID, details)
	}
}

// Recent returns up to n entries from the memory ring, newest first.
func (a *Audit) Recent(n int) []*Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := len(a.ring)
	if n > total {
		n = total
	}
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (a.head + total - 1 - i) % total
		out = append(out, a.ring[idx])
	}
	return out
}

// Close flushes and closes the audit file.
func (a *Audit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
