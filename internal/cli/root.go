// Package cli implements the food-classifier command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/food-classifier/internal/config"
	"github.com/Brownie44l1/food-classifier/internal/logger"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd    *cobra.Command
	v      *viper.Viper
	cfg    *config.Config
	format string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "food-classifier",
		Short: "Bangladeshi food image classifier",
		Long: `food-classifier recognizes Bangladeshi dishes in photos with a
ResNet, EfficientNet or DenseNet backbone, and reports the dish's
nutrition facts.

It serves a REST API and classifies local images from the command line.`,
		SilenceUsage:      true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&root.format, "output", "o", "text", "Output format (text, json, yaml)")
	pflags.String("config", "", "Config file path (TOML)")
	pflags.String("log-level", "", "Log level override (debug, info, warn, error)")

	_ = root.v.BindPFlag("config", pflags.Lookup("config"))
	_ = root.v.BindPFlag("log_level", pflags.Lookup("log-level"))
	root.v.SetEnvPrefix("FOODCLF")
	_ = root.v.BindEnv("config")

	root.cmd = cmd
	root.addSubCommands()
	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	if _, err := parseFormat(r.format); err != nil {
		return err
	}
	cfg, err := config.Load(r.v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := r.v.GetString("log_level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	r.cfg = cfg

	logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cmd.ErrOrStderr(),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewServeCommand(r))
	r.cmd.AddCommand(NewPredictCommand(r))
	r.cmd.AddCommand(NewInspectCommand(r))
	r.cmd.AddCommand(NewSkeletonCommand(r))
	r.cmd.AddCommand(NewClassesCommand(r))
	r.cmd.AddCommand(NewNutritionCommand(r))
}

func (r *RootCommand) Command() *cobra.Command { return r.cmd }

func (r *RootCommand) Config() *config.Config { return r.cfg }

func (r *RootCommand) Format() OutputFormat {
	f, _ := parseFormat(r.format)
	return f
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

func Execute() {
	root := NewRootCommand()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := root.ExecuteContext(ctx)
	_ = logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}
