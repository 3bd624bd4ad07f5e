package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/schaermu/sysrootctl/internal/bootloader"
	"github.com/schaermu/sysrootctl/internal/config"
	"github.com/schaermu/sysrootctl/internal/origin"
	"github.com/schaermu/sysrootctl/internal/store"
	"github.com/schaermu/sysrootctl/internal/sysroot"
	"github.com/schaermu/sysrootctl/internal/systemd"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	sysrootPath string
	logLevel    string
	logFormat   string

	// Deploy and upgrade flags
	osName       string
	originFile   string
	noBootloader bool
	retain       bool
	kernelArgs   []string
	deleteKargs  []string
	reboot       bool
)

// lockTimeout bounds how long a mutating command waits for another writer
var lockTimeout = 30 * time.Second

// newSystemd is replaced in tests
var newSystemd = func() systemd.Systemd {
	return systemd.NewClient()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sysrootctl",
	Short: "Manage transactional OS deployments in a sysroot",
	Long: `sysrootctl checks out OS trees from a local content store into a sysroot
and makes them bootable.

Every change to the set of deployments is a transaction that is committed by
a single atomic symlink swap, so an interrupted deploy leaves the previous
configuration bootable.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy REFSPEC",
	Short: "Check out a revision as the new default deployment",
	Long: `Deploy resolves REFSPEC (a ref or a checksum) in the content store, checks
the tree out as a new deployment, merges /etc from the current deployment of
the same OS and writes a new boot configuration with the new deployment
first.

The deployment that is currently booted, deployments of other OSes and the
previous deployment of the same OS are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Deploy the newest revision of the current origin",
	Long: `Upgrade resolves the origin refspec of the current deployment again and
deploys the result if it changed. With --reboot the machine is rebooted into
the new deployment when the sysroot is the running system.`,
	Args: cobra.NoArgs,
	RunE: runUpgrade,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List deployments in boot order",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove deployments and boot files that are no longer referenced",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var commitCmd = &cobra.Command{
	Use:   "commit DIR REFSPEC",
	Short: "Import a directory into the content store",
	Long: `Commit copies DIR into the content store under its tree checksum and points
REFSPEC at it. The checksum is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: runCommit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sysrootctl %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&sysrootPath, "sysroot", "", "sysroot path (overrides sysroot.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Deploy command flags
	deployCmd.Flags().StringVar(&osName, "os", "", "OS name (default is the booted deployment's)")
	deployCmd.Flags().StringVar(&originFile, "origin-file", "", "use this origin file instead of one generated from REFSPEC")
	deployCmd.Flags().BoolVar(&noBootloader, "no-bootloader", false, "do not write bootloader configuration")
	deployCmd.Flags().BoolVar(&retain, "retain", false, "keep all previous deployments of the OS")
	deployCmd.Flags().StringArrayVar(&kernelArgs, "karg", nil, "append or replace a kernel argument (KEY[=VALUE]), can be repeated")
	deployCmd.Flags().StringArrayVar(&deleteKargs, "karg-delete", nil, "remove an inherited kernel argument by KEY, can be repeated")

	// Upgrade command flags
	upgradeCmd.Flags().StringVar(&osName, "os", "", "OS name (default is the booted deployment's)")
	upgradeCmd.Flags().BoolVar(&noBootloader, "no-bootloader", false, "do not write bootloader configuration")
	upgradeCmd.Flags().BoolVar(&retain, "retain", false, "keep all previous deployments of the OS")
	upgradeCmd.Flags().BoolVar(&reboot, "reboot", false, "reboot into the new deployment")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts := sysroot.DeployOptions{
		OSName:           osName,
		Revision:         args[0],
		KernelArgs:       append(append([]string{}, cfg.Deploy.KernelArgs...), kernelArgs...),
		DeleteKernelArgs: deleteKargs,
		Retain:           retain || cfg.Deploy.Retain,
	}
	if originFile != "" {
		opts.Origin, err = origin.Load(originFile)
		if err != nil {
			return fmt.Errorf("failed to load origin file: %w", err)
		}
	}

	unlock, err := lockSysroot(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer unlock()

	sr, err := openSysroot(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting deploy", "refspec", opts.Revision, "osname", opts.OSName)
	d, err := sr.Deploy(ctx, opts)
	if err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}

	logger.Info("deployment complete", "deployment", d.String(), "bootversion", sr.State().Bootversion)
	return nil
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	unlock, err := lockSysroot(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer unlock()

	sr, err := openSysroot(cfg, logger)
	if err != nil {
		return err
	}

	result, err := sr.Upgrade(ctx, sysroot.DeployOptions{
		OSName:     osName,
		KernelArgs: cfg.Deploy.KernelArgs,
		Retain:     retain || cfg.Deploy.Retain,
	})
	if err != nil {
		logger.Error("upgrade failed", "error", err)
		return err
	}

	if !result.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "No upgrade available, %s is unchanged\n", result.Deployment)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Upgraded %s to %s\n", result.Previous, result.Deployment)

	if !reboot {
		return nil
	}
	if !cfg.IsLive() {
		logger.Warn("not rebooting, sysroot is not the running system", "sysroot", cfg.Sysroot.Path)
		return nil
	}

	sd := newSystemd()
	if _, err := sd.IsAvailable(ctx); err != nil {
		return fmt.Errorf("cannot reboot: %w", err)
	}
	logger.Info("rebooting into new deployment", "deployment", result.Deployment.String())
	return sd.Reboot(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sr := sysroot.New(cfg, store.NewLocalStore(cfg.RepoDir()), nil, logger)
	if err := sr.Load(ctx); err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), sr)
}

func printStatus(w io.Writer, sr *sysroot.Sysroot) error {
	deployments := sr.Deployments()
	if len(deployments) == 0 {
		_, err := fmt.Fprintln(w, "No deployments.")
		return err
	}

	booted := sr.Booted()
	for _, d := range deployments {
		marker := "  "
		if d.Equal(booted) {
			marker = "* "
		}
		refspec := d.Refspec()
		if refspec == "" {
			refspec = "(no origin)"
		}
		if _, err := fmt.Fprintf(w, "%s%s %s\n    index: %d\n    origin: %s\n",
			marker, d.OSName, d.Name(), d.Index, refspec); err != nil {
			return err
		}
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	unlock, err := lockSysroot(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer unlock()

	sr := sysroot.New(cfg, store.NewLocalStore(cfg.RepoDir()), nil, logger)
	if err := sr.Load(ctx); err != nil {
		return err
	}
	if err := sr.Cleanup(ctx); err != nil {
		logger.Error("cleanup failed", "error", err)
		return err
	}
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	unlock, err := lockSysroot(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer unlock()

	repo := store.NewLocalStore(cfg.RepoDir())
	csum, err := repo.Commit(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", args[0], err)
	}

	logger.Info("committed tree", "dir", args[0], "refspec", args[1], "csum", csum)
	fmt.Fprintln(cmd.OutOrStdout(), csum)
	return nil
}

func openSysroot(cfg *config.Config, logger *slog.Logger) (*sysroot.Sysroot, error) {
	var bl bootloader.Bootloader
	if !noBootloader {
		var err error
		bl, err = bootloader.Detect(cfg.Sysroot.Path, cfg.Bootloader)
		if err != nil {
			return nil, fmt.Errorf("failed to detect bootloader: %w", err)
		}
	}
	if bl != nil {
		logger.Debug("using bootloader", "bootloader", bl.Name())
	} else {
		logger.Debug("no bootloader configuration will be written")
	}

	return sysroot.New(cfg, store.NewLocalStore(cfg.RepoDir()), bl, logger), nil
}

// lockSysroot takes the advisory lock that serializes writers of a sysroot
func lockSysroot(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	path := cfg.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	lock := flock.New(path)
	logger.Debug("acquiring sysroot lock", "path", path)
	locked, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to lock sysroot: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock sysroot: %s is held by another process", path)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release sysroot lock", "error", err)
		}
	}, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format. Logs go to stderr so status and
	// commit output stays parseable.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultPath
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); !explicit && errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no configuration file, using defaults", "path", configPath)
		cfg = config.Default()
	} else {
		logger.Debug("loading configuration", "path", configPath)
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}

	if sysrootPath != "" {
		abs, err := filepath.Abs(sysrootPath)
		if err != nil {
			return nil, fmt.Errorf("invalid sysroot path: %w", err)
		}
		cfg.Sysroot.Path = abs
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"sysroot", cfg.Sysroot.Path,
		"osname", cfg.Deploy.OSName,
		"bootloader", cfg.Bootloader.Type)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
