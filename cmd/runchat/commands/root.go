// Package commands provides the CLI commands for runchat.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/runchat/internal/config"
	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "runchat",
	Short: "runchat - chat with LangGraph agent runs from the terminal",
	Long: `runchat streams agent runs from a LangGraph-compatible service into
chat sessions you can stop, pause, resume and fork.

Run 'runchat chat' to start an interactive session, or 'runchat mock-server'
to serve scripted runs locally.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory to load configuration from")

	rootCmd.SetVersionTemplate(fmt.Sprintf("runchat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(mockServerCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig loads the configuration for the selected project directory.
func loadConfig() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level := logLevel
	logToFile := false
	if cfg, err := loadConfig(); err == nil {
		if level == "" {
			level = cfg.LogLevel
		}
		logToFile = cfg.LogToFile
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(level)
	logCfg.Pretty = true
	if !printLogs {
		logCfg.Output = io.Discard
	}
	if logToFile {
		logCfg.LogToFile = true
		logCfg.LogDir = config.GetPaths().LogPath()
	}
	logging.Init(logCfg)
	return nil
}
