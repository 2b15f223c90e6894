package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/config"
	"github.com/tiroq/proctor/internal/ipc"
	"github.com/tiroq/proctor/internal/logger"
)

const app = "proctor-core"

var (
	cfgFile    string
	runtimeDir string

	rootCmd = &cobra.Command{
		Use:           app,
		Short:         "proctor-core watches an interview candidate's webcam and fullscreen state",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is proctor.yaml in the current directory, if present)")
	rootCmd.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", "", "directory for status.json and cmd.txt (default ~/.cache/proctor)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	if err := viper.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		log.Fatalf("binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("json")); err != nil {
		log.Fatalf("binding json flag: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "proctor.yaml"
	}
	return config.LoadWith(viper.GetViper(), path)
}

func newLogger(cfg *config.Config) *zap.Logger {
	l, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	return l
}

func dir() ipc.Dir {
	if runtimeDir != "" {
		return ipc.Dir(runtimeDir)
	}
	return ipc.DefaultDir()
}
