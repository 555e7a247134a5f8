package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley - template-driven LLM conversation sessions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(viper.GetString("log-level"))
	},
}

func initLogging(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %s", level)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func openStore() (store.Store, error) {
	dsn := viper.GetString("db")
	if dsn == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(dsn)
}

func loadConfigs() (map[string]*backend.Config, error) {
	dir := viper.GetString("config-dir")
	if dir == "" {
		return nil, errors.New("no config directory given, use --config-dir or PARLEY_CONFIG_DIR")
	}
	configs, err := backend.LoadConfigDir(dir)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, errors.Errorf("no backend configs found in %s", dir)
	}
	return configs, nil
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config-dir", "", "directory holding backend config YAML files")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (in-memory store when empty)")

	for _, flag := range []string{"log-level", "config-dir", "db"} {
		cobra.CheckErr(viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)))
	}
	viper.SetEnvPrefix("PARLEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newTemplatesCommand())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
