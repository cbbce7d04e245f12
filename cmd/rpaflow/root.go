package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rpaflow/rpaflow/config"
	"github.com/rpaflow/rpaflow/utils"
)

var (
	exit       = os.Exit
	configPath string
	debug      bool
	baseDir    string
)

// NewRootCmd creates the root 'rpaflow' command with persistent flags
// and subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{Use: "rpaflow"}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to config JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", ".", "base directory for run state and locks")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if debug {
			os.Setenv("RPAFLOW_DEBUG", "1")
			utils.SetMode("debug")
		}
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newSignCmd(),
		newVerifyCmd(),
		newScheduleCmd(),
	)
	return rootCmd
}

// loadRunConfig loads the config file, falling back to defaults when
// the file is absent.
func loadRunConfig() *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.Warn("config file %s not found, using defaults", configPath)
			return config.Default()
		}
		utils.Error("failed to load config: %v", err)
		exit(2)
		return config.Default()
	}
	return cfg
}
