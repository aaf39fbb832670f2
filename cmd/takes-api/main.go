package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "takes-api",
		Short: "Takes lifecycle and settlement service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd)
		},
	})

	var subject string
	issueCmd := &cobra.Command{
		Use:   "issue-admin-token",
		Short: "Mint an admin token for the grading endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueAdminToken(cmd, subject)
		},
	}
	issueCmd.Flags().StringVar(&subject, "subject", "", "Operator identifier recorded in the token")
	_ = issueCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(issueCmd)

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotated log file")
	cmd.PersistentFlags().String("notify-transport", defaults.GetString("notify.transport"), "SMS transport (log, twilio, amqp)")
	cmd.PersistentFlags().String("base-url", defaults.GetString("site.base_url"), "Public site URL used in pack links")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().String("scheduler-secret", "", "Scheduler tick shared secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "notify.transport", "notify-transport")
	bindFlag(cmd, "site.base_url", "base-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "scheduler.secret", "scheduler-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runTick(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	app, err := buildApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.scheduler.Tick(cmd.Context())
	if err != nil {
		return err
	}
	drops := make([]map[string]any, 0, len(result.Opened))
	for _, drop := range result.Opened {
		entry := map[string]any{
			"packId":     drop.PackID,
			"strategy":   drop.Strategy,
			"recipients": drop.Recipients,
			"sent":       drop.Sent,
			"failed":     drop.Failed,
		}
		if drop.Err != nil {
			entry["error"] = drop.Err.Error()
		}
		drops = append(drops, entry)
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"openedCount": result.OpenedCount,
		"liveCount":   result.LiveCount,
		"opened":      drops,
		"closed":      result.Closed,
	})
}

func runIssueAdminToken(cmd *cobra.Command, subject string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %d seconds\n", token, expiresIn)
	return err
}
