package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appconfig "github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/logs"
	"github.com/SShadowS/mcp-router/internal/oauth"
	"github.com/SShadowS/mcp-router/internal/oauth/governance"
	"github.com/SShadowS/mcp-router/internal/router"
	"github.com/SShadowS/mcp-router/internal/store"
	"github.com/SShadowS/mcp-router/internal/token"
	"github.com/SShadowS/mcp-router/internal/toolfilter"
	"github.com/SShadowS/mcp-router/internal/upstream"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe builds the dependency graph Store → Crypto → {Token, Filter,
// OAuth → Governance} → Server Manager → Router Gate and tears it down in
// reverse on shutdown.
func runServe(ctx context.Context, cfg *appconfig.Config) error {
	dataDir, err := appconfig.EnsureDataDir(cfg.DataDir)
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging, filepath.Join(dataDir, "logs"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	cryptoSvc, err := crypto.LoadOrCreate(filepath.Join(dataDir, appconfig.KeyFileName))
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(dataDir, appconfig.StoreFileName), cryptoSvc, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if n, err := st.DeleteExpiredAuthStates(ctx, time.Now().Add(-time.Hour)); err != nil {
		logger.Warn("auth state cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("expired auth states removed", zap.Int64("count", n))
	}

	audit, err := governance.NewAudit(filepath.Join(dataDir, appconfig.AuditLogFileName), st, logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	limiter := governance.NewLimiter(audit)

	backups, err := governance.NewBackups(filepath.Join(dataDir, appconfig.BackupDirName),
		st, cryptoSvc, audit, Version, logger)
	if err != nil {
		return err
	}

	migrator := governance.NewMigrator(st, backups, audit,
		filepath.Join(dataDir, appconfig.MigrationStateFileName), logger)
	if err := migrator.Migrate(ctx); err != nil {
		// Startup migration failures are fatal.
		return err
	}

	rotator := governance.NewRotator(cryptoSvc, st,
		audit, filepath.Join(dataDir, appconfig.KeyMetadataFileName), logger)
	rotator.Start(ctx)
	defer rotator.Stop()

	if err := backups.CreateDailyIfDue(ctx); err != nil {
		logger.Warn("daily backup failed", zap.Error(err))
	}

	tokens := token.NewService(st, logger)
	filter := toolfilter.NewService(st, logger)

	oauthMgr := oauth.NewManager(st, audit, limiter, nil, logger)
	defer oauthMgr.Close()

	manager := upstream.NewManager(st, oauthMgr,
		func(ctx context.Context, serverID string, tools []upstream.ToolInfo) {
			discovered := make([]toolfilter.DiscoveredTool, 0, len(tools))
			for _, t := range tools {
				discovered = append(discovered, toolfilter.DiscoveredTool{
					Name:        t.Name,
					Description: t.Description,
				})
			}
			if err := filter.SyncDiscovered(ctx, serverID, discovered); err != nil {
				logger.Warn("tool preference sync failed",
					zap.String("server_id", serverID), zap.Error(err))
			}
		}, nil, logger)
	manager.WrapHTTPTransport = func(serverID string) http.RoundTripper {
		return oauth.NewRetryTransport(nil, oauthMgr, serverID, logger)
	}

	if err := manager.LoadAll(ctx); err != nil {
		return err
	}
	if err := manager.AutoStartAll(ctx); err != nil {
		return err
	}

	gate := router.NewGate(tokens, filter, manager, logger)
	_ = gate // the downstream MCP surface consumes the gate

	logger.Info("mcp-router running",
		zap.String("data_dir", dataDir),
		zap.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	manager.ClearAll(context.Background())
	return nil
}
