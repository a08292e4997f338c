package governance

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAudit(t *testing.T) (*Audit, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauth-audit.log")
	audit, err := NewAudit(path, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	return audit, path
}

func readAuditFile(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestAudit_AppendsToRingAndFile(t *testing.T) {
	audit, path := newTestAudit(t)
	ctx := context.Background()

	audit.Log(ctx, EventTokenCreated, SeverityInfo, "srv-1", map[string]any{"scopes": "repo"})
	audit.Log(ctx, EventTokenRefreshed, SeverityInfo, "srv-1", nil)

	recent := audit.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, EventTokenRefreshed, recent[0].EventType)
	assert.Equal(t, EventTokenCreated, recent[1].EventType)

	entries := readAuditFile(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, EventTokenCreated, entries[0].EventType)
	assert.Equal(t, "srv-1", entries[0].ServerID)
	assert.NotEmpty(t, entries[0].ID)
}

func TestAudit_RingBounded(t *testing.T) {
	audit, _ := newTestAudit(t)
	ctx := context.Background()

	for i := 0; i < auditRingSize+50; i++ {
		audit.Log(ctx, EventTokenRefreshed, SeverityInfo, "srv", nil)
	}
	assert.Len(t, audit.Recent(auditRingSize+100), auditRingSize)
}

func TestAudit_RetentionTrimsOldEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oauth-audit.log")

	old := Entry{
		ID: "old", Timestamp: time.Now().Add(-91 * 24 * time.Hour).UnixMilli(),
		EventType: EventTokenCreated, Severity: SeverityInfo,
	}
	recent := Entry{
		ID: "recent", Timestamp: time.Now().UnixMilli(),
		EventType: EventTokenCreated, Severity: SeverityInfo,
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range []Entry{old, recent} {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	audit, err := NewAudit(path, nil, zap.NewNop())
	require.NoError(t, err)
	defer audit.Close()

	entries := readAuditFile(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].ID)
}

func TestAudit_NilReceiverIsSilent(t *testing.T) {
	var audit *Audit
	audit.Log(context.Background(), EventTokenCreated, SeverityInfo, "srv", nil)
}
