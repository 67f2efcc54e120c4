package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/eyemem/internal/config"
)

var version = "dev"

var (
	noColor    bool
	configPath string
	userFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "eyemem",
	Short:         "Image memories with asynchronous description, embedding and search",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; values may come from the real environment.
		_ = godotenv.Load()
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "act as this user (sent as X-User-ID)")

	rootCmd.AddCommand(startCmd, workerCmd, statusCmd)
	rootCmd.AddCommand(uploadCmd, searchCmd, jobsCmd, enqueueCmd, auditCmd, configCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

