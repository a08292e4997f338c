package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appconfig "github.com/SShadowS/mcp-router/internal/config"
	"github.com/SShadowS/mcp-router/internal/configimport"
	"github.com/SShadowS/mcp-router/internal/crypto"
	"github.com/SShadowS/mcp-router/internal/store"
)

func importCmd(v *viper.Viper) *cobra.Command {
	var (
		formatHint  string
		serverNames []string
		dryRun      bool
		enable      bool
	)

	cmd := &cobra.Command{
		Use:   "import <config-file>",
		Short: "Import MCP servers from another client's config",
		Long: "Import MCP server definitions from Claude Desktop, Claude Code, Cursor IDE,\n" +
			"Codex CLI, or Gemini CLI configuration files into the router's registry.\n" +
			"The source format is auto-detected. Imported servers are disabled until\n" +
			"reviewed; pass --enable to import them enabled.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			dataDir, err := appconfig.EnsureDataDir(cfg.DataDir)
			if err != nil {
				return err
			}
			cryptoSvc, err := crypto.LoadOrCreate(filepath.Join(dataDir, appconfig.KeyFileName))
			if err != nil {
				return err
			}
			st, err := store.Open(filepath.Join(dataDir, appconfig.StoreFileName), cryptoSvc, zap.NewNop())
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			ctx := cmd.Context()
			existing, err := st.ListServers(ctx)
			if err != nil {
				return err
			}
			existingNames := make([]string, 0, len(existing))
			for _, server := range existing {
				existingNames = append(existingNames, server.Name)
			}

			result, err := configimport.Import(content, &configimport.Options{
				FormatHint:      configimport.Format(formatHint),
				ServerNames:     serverNames,
				ExistingServers: existingNames,
				EnableImported:  enable,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Detected format: %s\n", result.Format)

			if !dryRun {
				for _, imported := range result.Imported {
					if err := st.SaveServer(ctx, imported.Server); err != nil {
						return fmt.Errorf("saving server %s: %w", imported.Server.Name, err)
					}
					if imported.OAuth != nil {
						imported.OAuth.ServerID = imported.Server.ID
						if err := st.SaveOAuthConfig(ctx, imported.OAuth); err != nil {
							return fmt.Errorf("saving OAuth config for %s: %w", imported.Server.Name, err)
						}
					}
				}
			}

			for _, imported := range result.Imported {
				state := "disabled"
				if !imported.Server.Disabled {
					state = "enabled"
				}
				fmt.Fprintf(out, "  imported %-24s (%s, %s)\n",
					imported.Server.Name, imported.Server.Type, state)
				for _, warning := range imported.Warnings {
					fmt.Fprintf(out, "    warning: %s\n", warning)
				}
			}
			for _, skipped := range result.Skipped {
				fmt.Fprintf(out, "  skipped  %-24s (%s)\n", skipped.Name, skipped.Reason)
			}
			for _, failed := range result.Failed {
				fmt.Fprintf(out, "  failed   %-24s (%s)\n", failed.Name, failed.Error)
			}
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", warning)
			}

			fmt.Fprintf(out, "%d imported, %d skipped, %d failed",
				result.Summary.Imported, result.Summary.Skipped, result.Summary.Failed)
			if dryRun {
				fmt.Fprint(out, " (dry run, nothing written)")
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&formatHint, "format", "", "source format override (claude-desktop|claude-code|cursor|codex|gemini)")
	cmd.Flags().StringSliceVar(&serverNames, "server", nil, "import only the named servers (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be imported without writing")
	cmd.Flags().BoolVar(&enable, "enable", false, "import servers enabled instead of disabled-for-review")
	return cmd
}
