package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/SShadowS/mcp-router/internal/store"
)

// Dataset is the OAuth data shape that versioned migrations operate on.
// It is distinct from the store's schema migrations: these rewrite the data,
// not the tables.
type Dataset struct {
	Configs []*store.OAuthConfig `json:"configs"`
	Tokens  []*store.OAuthToken  `json:"tokens"`
}

func (d *Dataset) deepCopy() (*Dataset, error) {
	blob, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Dataset
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DataMigration is one versioned step over the OAuth dataset.
type DataMigration struct {
	Version     string
	Description string
	Forward     func(*Dataset) error
	Reverse     func(*Dataset) error
}

// MigrationError is fatal at startup.
type MigrationError struct {
	Version string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("oauth data migration %s: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// migrationState is persisted to oauth-migration-state.json.
type migrationState struct {
	CurrentVersion    string              `json:"current_version"`
	AppliedMigrations []string            `json:"applied_migrations"`
	RollbackHistory   map[string]*Dataset `json:"rollback_history"`
}

// BaseDataVersion is the version of a dataset that predates migrations.
const BaseDataVersion = "1.0.0"

// dataMigrations is the ordered migration chain for the OAuth dataset.
var dataMigrations = []DataMigration{
	{
		Version:     "1.0.1",
		Description: "normalize empty token types to Bearer",
		Forward: func(d *Dataset) error {
			for _, t := range d.Tokens {
				if t.TokenType == "" {
					t.TokenType = "Bearer"
				}
			}
			return nil
		},
		Reverse: func(d *Dataset) error { return nil },
	},
	{
		Version:     "1.1.0",
		Description: "default missing grant types to authorization_code",
		Forward: func(d *Dataset) error {
			for _, c := range d.Configs {
				if c.GrantType == "" {
					c.GrantType = "authorization_code"
				}
			}
			return nil
		},
		Reverse: func(d *Dataset) error { return nil },
	},
	{
		Version:     "1.2.0",
		Description: "split space-delimited scope strings into lists",
		Forward: func(d *Dataset) error {
			split := func(scopes []string) []string {
				var out []string
				for _, s := range scopes {
					for _, part := range strings.Fields(s) {
						out = append(out, part)
					}
				}
				return out
			}
			for _, c := range d.Configs {
				c.Scopes = split(c.Scopes)
			}
			for _, t := range d.Tokens {
				t.Scopes = split(t.Scopes)
			}
			return nil
		},
		Reverse: func(d *Dataset) error { return nil },
	},
	{
		Version:     "1.5.0",
		Description: "enable PKCE for providers that support it",
		Forward: func(d *Dataset) error {
			for _, c := range d.Configs {
				if c.GrantType == "authorization_code" {
					c.UsePKCE = true
				}
			}
			return nil
		},
		Reverse: func(d *Dataset) error { return nil },
	},
	{
		Version:     "2.0.0",
		Description: "lowercase provider tags",
		Forward: func(d *Dataset) error {
			for _, c := range d.Configs {
				c.Provider = strings.ToLower(c.Provider)
			}
			return nil
		},
		Reverse: func(d *Dataset) error { return nil },
	},
}

// LatestDataVersion is the version a fully migrated dataset carries.
var LatestDataVersion = dataMigrations[len(dataMigrations)-1].Version

// Migrator runs versioned migrations over the OAuth dataset with rollback
// snapshots. A pre-migration backup is created unconditionally.
type Migrator struct {
	store     *store.Store
	backups   *Backups
	audit     *Audit
	statePath string
	logger    *zap.Logger
}

// NewMigrator creates the OAuth dataset migrator.
func NewMigrator(st *store.Store, backups *Backups, audit *Audit, statePath string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		store:     st,
		backups:   backups,
		audit:     audit,
		statePath: statePath,
		logger:    logger.Named("oauth-migration"),
	}
}

func (m *Migrator) loadState() (*migrationState, error) {
	data, err := os.ReadFile(m.statePath)
	if os.IsNotExist(err) {
		return &migrationState{
			CurrentVersion:  BaseDataVersion,
			RollbackHistory: make(map[string]*Dataset),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var state migrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.RollbackHistory == nil {
		state.RollbackHistory = make(map[string]*Dataset)
	}
	if state.CurrentVersion == "" {
		state.CurrentVersion = BaseDataVersion
	}
	return &state, nil
}

func (m *Migrator) writeState(state *migrationState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath, data, 0o600)
}

func (m *Migrator) loadDataset(ctx context.Context) (*Dataset, error) {
	configs, err := m.store.ListOAuthConfigs(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := m.store.ListOAuthTokens(ctx)
	if err != nil {
		return nil, err
	}
	return &Dataset{Configs: configs, Tokens: tokens}, nil
}

func (m *Migrator) saveDataset(ctx context.Context, d *Dataset) error {
	for _, cfg := range d.Configs {
		if err := m.store.SaveOAuthConfig(ctx, cfg); err != nil {
			return err
		}
	}
	for _, tok := range d.Tokens {
		if err := m.store.SaveOAuthToken(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

// CurrentVersion returns the dataset version on disk.
func (m *Migrator) CurrentVersion() (string, error) {
	state, err := m.loadState()
	if err != nil {
		return "", err
	}
	return state.CurrentVersion, nil
}

// AppliedMigrations returns the versions applied so far, in order.
func (m *Migrator) AppliedMigrations() ([]string, error) {
	state, err := m.loadState()
	if err != nil {
		return nil, err
	}
	return state.AppliedMigrations, nil
}

func versionIndex(version string) int {
	if version == BaseDataVersion {
		return -1
	}
	for i, mig := range dataMigrations {
		if mig.Version == version {
			return i
		}
	}
	return -2
}

// Migrate applies every pending migration in order, snapshotting the
// pre-image of each reversible step. Re-running at the latest version is a
// no-op.
func (m *Migrator) Migrate(ctx context.Context) error {
	state, err := m.loadState()
	if err != nil {
		return &MigrationError{Version: "state", Err: err}
	}

	start := versionIndex(state.CurrentVersion)
	if start == -2 {
		return &MigrationError{Version: state.CurrentVersion, Err: fmt.Errorf("unknown dataset version")}
	}
	if start == len(dataMigrations)-1 {
		return nil
	}

	if _, err := m.backups.Create(ctx, BackupOptions{Automatic: true}); err != nil {
		return &MigrationError{Version: state.CurrentVersion, Err: fmt.Errorf("pre-migration backup: %w", err)}
	}

	dataset, err := m.loadDataset(ctx)
	if err != nil {
		return &MigrationError{Version: state.CurrentVersion, Err: err}
	}

	for _, mig := range dataMigrations[start+1:] {
		if mig.Reverse != nil {
			snapshot, err := dataset.deepCopy()
			if err != nil {
				return &MigrationError{Version: mig.Version, Err: err}
			}
			state.RollbackHistory[mig.Version] = snapshot
		}

		if err := mig.Forward(dataset); err != nil {
			return &MigrationError{Version: mig.Version, Err: err}
		}

		if err := m.saveDataset(ctx, dataset); err != nil {
			return &MigrationError{Version: mig.Version, Err: err}
		}
		state.CurrentVersion = mig.Version
		state.AppliedMigrations = append(state.AppliedMigrations, mig.Version)
		if err := m.writeState(state); err != nil {
			return &MigrationError{Version: mig.Version, Err: err}
		}

		m.logger.Info("oauth data migration applied",
			zap.String("version", mig.Version),
			zap.String("description", mig.Description))
		if m.audit != nil {
			m.audit.Log(ctx, EventMigrationApplied, SeverityInfo, "", map[string]any{
				"version": mig.Version,
			})
		}
	}
	return nil
}

// Rollback unwinds applied migrations down to targetVersion, restoring the
// stored pre-image snapshots (falling back to the Reverse step when a
// snapshot is missing).
func (m *Migrator) Rollback(ctx context.Context, targetVersion string) error {
	state, err := m.loadState()
	if err != nil {
		return &MigrationError{Version: "state", Err: err}
	}

	target := versionIndex(targetVersion)
	if target == -2 {
		return &MigrationError{Version: targetVersion, Err: fmt.Errorf("unknown target version")}
	}
	current := versionIndex(state.CurrentVersion)
	if current <= target {
		return nil
	}

	dataset, err := m.loadDataset(ctx)
	if err != nil {
		return &MigrationError{Version: state.CurrentVersion, Err: err}
	}

	for i := current; i > target; i-- {
		mig := dataMigrations[i]
		if snapshot, ok := state.RollbackHistory[mig.Version]; ok {
			dataset = snapshot
		} else if mig.Reverse != nil {
			if err := mig.Reverse(dataset); err != nil {
				return &MigrationError{Version: mig.Version, Err: err}
			}
		} else {
			return &MigrationError{Version: mig.Version, Err: fmt.Errorf("migration is not reversible")}
		}
		delete(state.RollbackHistory, mig.Version)

		if len(state.AppliedMigrations) > 0 &&
			state.AppliedMigrations[len(state.AppliedMigrations)-1] == mig.Version {
			state.AppliedMigrations = state.AppliedMigrations[:len(state.AppliedMigrations)-1]
		}
		if i-1 >= 0 {
			state.CurrentVersion = dataMigrations[i-1].Version
		} else {
			state.CurrentVersion = BaseDataVersion
		}

		if m.audit != nil {
			m.audit.Log(ctx, EventMigrationRolledBack, SeverityWarning, "", map[string]any{
				"version": mig.Version,
			})
		}
	}

	if err := m.saveDataset(ctx, dataset); err != nil {
		return &MigrationError{Version: targetVersion, Err: err}
	}
	return m.writeState(state)
}
