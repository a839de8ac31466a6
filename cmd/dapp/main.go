package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tgagor/dapp/pkg/config"
	"github.com/tgagor/dapp/pkg/controller"
	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/util"
)

var BuildVersion string // Will be set dynamically at build time.
var appName string = "dapp"
var flags config.Flags

var cmd = &cobra.Command{
	Use:   appName,
	Short: "An incremental container image builder caching every stage as an image layer.",
	Long: `Builds application images as a fixed chain of stages: base image, provisioning
stages run by a shell or chef builder, and source stages tracking git repositories.
Every stage is cached as an image tagged with its signature, so a rebuild only
redoes what changed, and a source change only ships the changed files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger(flags.Verbose, flags.NoColor)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If version flag is provided, show the version and exit.
		if flags.PrintVersion {
			fmt.Printf("%s version: %s\n", appName, BuildVersion)
			return nil
		}
		return cmd.Help()
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the stages that are not cached and tag the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
			return c.Build(ctx)
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Build, then push the tagged image and optionally the stage images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
			return c.Push(ctx)
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove cached data",
}

var flushStagesCmd = &cobra.Command{
	Use:   "stage-cache",
	Short: "Remove every stage image of the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
			return c.FlushStageCache(ctx)
		})
	},
}

var flushBuildCmd = &cobra.Command{
	Use:   "build-cache",
	Short: "Remove lock files, build contexts and repository clones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
			return c.FlushBuildCache(ctx)
		})
	},
}

func init() {
	if BuildVersion == "" {
		BuildVersion = "development" // Fallback if not set during build
	}

	cmd.PersistentFlags().StringVarP(&flags.BuildFile, "file", "f", config.DefaultFile, "Path to the project file")
	cmd.PersistentFlags().StringVar(&flags.SettingsFile, "settings", "", "Path to the settings file (default "+config.DefaultSettingsFile()+")")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Increase verbosity of output")
	cmd.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVar(&flags.DryRun, "dry-run", false, "Print actions but don't execute them")
	cmd.PersistentFlags().DurationVar(&flags.LockTimeout, "lock-timeout", 0, "How long to wait for locks held by other builds (default from settings)")
	cmd.PersistentFlags().StringVar(&flags.StagesRepo, "stages-repo", "", "Repository to share stage images through")
	cmd.Flags().BoolVarP(&flags.PrintVersion, "version", "V", false, "Display the application version and exit")

	for _, c := range []*cobra.Command{buildCmd, pushCmd} {
		c.Flags().StringSliceVarP(&flags.Tags, "tag", "t", nil, "Tag for the final image, may be repeated")
		c.Flags().StringVar(&flags.Registry, "registry", "", "Registry prefix for the final image")
	}
	pushCmd.Flags().IntVar(&flags.Parallel, "parallel", 0, "Number of concurrent pushes (default from settings)")
	pushCmd.Flags().BoolVar(&flags.WithStages, "with-stages", false, "Push stage images to the stages repository too")

	flushCmd.AddCommand(flushStagesCmd, flushBuildCmd)
	cmd.AddCommand(buildCmd, pushCmd, flushCmd)
}

// run loads the project and the settings and hands a controller to fn.
func run(ctx context.Context, fn func(context.Context, *controller.Controller) error) error {
	settings, err := config.LoadSettings(flags.SettingsFile)
	if err != nil {
		return err
	}
	settings.Apply(&flags)

	log.Debug().Str("config", flags.BuildFile).Msg("Loading")
	cfg, err := config.Load(flags.BuildFile)
	if err != nil {
		return err
	}

	registry := image.NewDocker(settings.TmpDir,
		image.WithStagesRepo(settings.StagesRepo),
		image.WithVerbose(flags.Verbose),
	)
	c, err := controller.New(cfg, settings, &flags, registry)
	if err != nil {
		return err
	}
	if flags.DryRun {
		log.Info().Msg("Dry run enabled - no actions will be executed.")
	}
	return fn(ctx, c)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	util.FailOnError(err)
}

func initLogger(verbose, noColor bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		NoColor:    noColor,
		TimeFormat: time.TimeOnly,
	})
	// Configure log level
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
