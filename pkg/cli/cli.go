// Package cli provides the command-line interface for pnpjob
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pnpforge/pnpjob/internal/session"
	"github.com/pnpforge/pnpjob/pkg/config"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CLI holds the command tree together with its configuration and writers
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	console  *logger.ConsoleLogger
	input    io.Reader
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	cli := &CLI{
		config:   config,
		viper:    viper.New(),
		input:    os.Stdin,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(config)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// SetInput replaces the reader operator answers are read from
func (c *CLI) SetInput(r io.Reader) {
	c.input = r
	c.rootCmd.SetIn(r)
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "pnpjob",
		Short: "Pick and place job manager",
		Long: `pnpjob loads a placement hierarchy of boards and panels, checks it against the
part and nozzle tip catalog, and drives the job through the placement machine
with operator controlled error recovery.`,

		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("pnpjob v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newTreeCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newArrayCmd())
	c.rootCmd.AddCommand(c.newFiducialsCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: pnpjob.yaml in --root)")
	flags.StringVar(&c.config.ProjectRoot, "root", ".", "job directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&c.config.LogFile, "log-file", "", "also write logs to this file")
}

// initializeConfig layers PNPJOB_* environment variables under explicit flags
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.viper.SetEnvPrefix("PNPJOB")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	c.config.ConfigFile = c.viper.GetString("config")
	c.config.ProjectRoot = c.viper.GetString("root")
	c.config.Verbosity = c.viper.GetString("verbosity")
	c.config.LogFile = c.viper.GetString("log-file")

	c.logger = logger.CreateLoggerWithOutput(c.config.LogFile, c.config.Verbosity, c.errorOut)
	c.console = logger.NewConsoleLogger(c.output, c.errorOut)

	c.logger.Debug("CLI configured",
		logger.WithField("root", c.config.ProjectRoot),
		logger.WithField("config", c.config.ConfigFile))
	return nil
}

// Helper methods for structured output

func (c *CLI) printSuccess(message string) {
	c.console.Success(message)
}

func (c *CLI) printError(message string) {
	c.console.Error(message)
}

func (c *CLI) printInfo(message string) {
	c.console.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.console.Warn(message)
}

// getConfigPath returns the --config flag or the first config file found in --root
func (c *CLI) getConfigPath() (string, error) {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile, nil
	}
	return config.NewManager().FindConfig(c.config.ProjectRoot)
}

// loadSession reads the job configuration and builds a session around it. The config
// file's logLevel and logFile apply unless set by flag or environment. With progress,
// placed flags are saved next to the config file.
func (c *CLI) loadSession(opts session.Options, progress bool) (*session.Session, error) {
	path, err := c.getConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return nil, err
	}

	level, logFile := c.config.Verbosity, c.config.LogFile
	if cfg.LogLevel != "" && !c.viper.IsSet("verbosity") {
		level = cfg.LogLevel
	}
	if cfg.LogFile != "" && !c.viper.IsSet("log-file") {
		logFile = cfg.LogFile
	}
	if level != c.config.Verbosity || logFile != c.config.LogFile {
		c.logger = logger.CreateLoggerWithOutput(logFile, level, c.errorOut)
	}

	opts.ConfigPath = path
	if opts.Name == "" {
		opts.Name = session.JobName(path)
	}
	if progress {
		opts.StateDir = filepath.Dir(path)
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return session.New(cfg, opts)
}

// ExecuteWithVersion runs the CLI on os.Args
func ExecuteWithVersion(version string) error {
	config := NewConfig()
	config.Version = version
	cli := NewCLI(config)
	return cli.Execute(os.Args[1:])
}
