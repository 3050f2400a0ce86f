package cmd

import (
	"context"
	"errors"

	"buildfarm/internal/store"
	"buildfarm/internal/store/postgres"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl is the operator tool for the build farm",
	Long: `fleetctl inspects and repairs build farm state directly in the database.

The orchestrator disables a builder after repeated failures and never
re-enables it on its own; bringing a repaired machine back is an
operator decision:

  fleetctl builders list
  fleetctl builders enable frog02

Configuration:
  BUILDFARM_DATABASE_URL    Postgres connection string (or --database-url)`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// fleetStore is the slice of the store the CLI needs. Tests substitute
// a fake.
type fleetStore interface {
	ListBuilders(ctx context.Context) ([]store.Builder, error)
	GetBuilderByName(ctx context.Context, name string) (*store.Builder, error)
	EnableBuilder(ctx context.Context, name string) error
	CountQueuedJobs(ctx context.Context) (int64, error)
}

var openStore = func(ctx context.Context) (fleetStore, func() error, error) {
	url := viper.GetString("database_url")
	if url == "" {
		return nil, nil, errors.New("database URL not set; use --database-url or BUILDFARM_DATABASE_URL")
	}
	st, err := postgres.New(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}

	viper.SetEnvPrefix("BUILDFARM")
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}
