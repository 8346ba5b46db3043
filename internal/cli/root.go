// Package cli implements sbctl, the operator tool for a profile's local cache.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/sbcache/internal/app"
	"github.com/matheus3301/sbcache/internal/config"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/profile"
	"github.com/matheus3301/sbcache/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Profile string
	Format  string
}

// NewRootCommand creates the sbctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "sbctl",
		Short:         "Inspect and maintain the local channel cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(
		newChannelsCommand(opts),
		newContactsCommand(opts),
		newMessagesCommand(opts),
		newRenameCommand(opts),
		newRemoveCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newKeysCommand(opts),
		newMigrateCommand(opts),
		newShareCommand(opts),
	)
	return cmd
}

// env is a started profile.
type env struct {
	profile string
	cfg     *config.Config
	reg     *registry.Registry
	db      *kv.Store
	out     *formatter
}

// withProfile opens the profile, runs fn and closes it again.
func withProfile(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := profile.Resolve(opts.Profile, cfg)
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	e := &env{
		profile: name,
		cfg:     cfg,
		out:     &formatter{format: opts.Format, w: cmd.OutOrStdout()},
	}
	fxApp := fx.New(
		app.Module(app.Params{Profile: name, Config: cfg}),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger { return &fxevent.ZapLogger{Logger: l} }),
		fx.Populate(&e.reg, &e.db),
	)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := fxApp.Start(ctx); err != nil {
		return fmt.Errorf("open profile %s: %w", name, err)
	}
	runErr := fn(ctx, e)
	if err := fxApp.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
