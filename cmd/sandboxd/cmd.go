package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/diggerhq/opensandbox/internal/config"
	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/logger"
	"github.com/diggerhq/opensandbox/internal/reaper"
	"github.com/diggerhq/opensandbox/internal/runner"
	"github.com/diggerhq/opensandbox/internal/session"
	"github.com/diggerhq/opensandbox/internal/transport"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "sandboxd runs untrusted commands inside namespace+chroot jails",
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(runCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the sandboxd daemon (HTTP adapter + idle reaper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "sandboxd.yaml", "path to sandboxd's YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return fmt.Errorf("create root dir %s: %w", cfg.RootDir, err)
	}

	builder := jail.NewBuilder(cfg.RootDir)
	builder.CopyFallback = cfg.CopyJail
	if err := runner.CheckCapability(); err != nil {
		// Namespace creation needs the same capability; no jail-building
		// strategy rescues that, so spawns will fail cleanly rather than
		// degrade to unisolated execution.
		log.Warn("serve: namespace capability missing, sandbox spawns will fail until it is granted", "error", err)
	}

	store := session.NewStore(builder)
	rp := reaper.New(store, cfg.SweepIntervalDuration(), cfg.IdleTTLDuration(), log)
	srv := transport.New(store, builder, cfg.DefaultLimits.ToLimits(), cfg.SpawnRPS, cfg.SpawnBurst, log)

	stopWatch, err := config.Watch(configPath, log, func(fresh *config.Config) {
		rp.SetIdleTTL(fresh.IdleTTLDuration())
		srv.SetDefaultLimits(fresh.DefaultLimits.ToLimits())
	})
	if err != nil {
		log.Warn("serve: config hot-reload disabled", "error", err)
	} else {
		defer stopWatch()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rp.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("serve: listening", "addr", cfg.ListenAddr, "root_dir", cfg.RootDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("serve: shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runCmd() *cobra.Command {
	var cpuMs, memKB, fsizeKB, nofile, wallMs int64
	var copyJail bool

	cmd := &cobra.Command{
		Use:   "run -- CMD [ARGS...]",
		Short: "run one command in a throwaway jail and print its result (debug helper)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(args, cpuMs, memKB, fsizeKB, nofile, wallMs, copyJail)
		},
	}
	cmd.Flags().Int64Var(&cpuMs, "cpu-ms", 0, "CPU time limit in milliseconds (0 = binding default)")
	cmd.Flags().Int64Var(&memKB, "mem-kb", 0, "address space limit in kilobytes (0 = binding default)")
	cmd.Flags().Int64Var(&fsizeKB, "fsize-kb", 0, "output/file size limit in kilobytes (0 = binding default)")
	cmd.Flags().Int64Var(&nofile, "nofile", 0, "open file descriptor limit (0 = binding default)")
	cmd.Flags().Int64Var(&wallMs, "wall-ms", 0, "wall clock timeout in milliseconds (0 = binding default)")
	cmd.Flags().BoolVar(&copyJail, "copy-jail", false, "copy system directories into the jail instead of bind-mounting them (for hosts that block the mount syscall)")
	return cmd
}

func runOneShot(argv []string, cpuMs, memKB, fsizeKB, nofile, wallMs int64, copyJail bool) error {
	if err := logger.Init(&config.Config{LogLevel: "info"}); err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "sandboxd-run-*")
	if err != nil {
		return fmt.Errorf("mkdir jail root: %w", err)
	}
	defer os.RemoveAll(root)

	builder := jail.NewBuilder(root)
	builder.CopyFallback = copyJail
	if err := runner.CheckCapability(); err != nil {
		logger.Log.Warn("run: namespace capability missing, spawn will likely fail", "error", err)
	}

	id := session.NewID()
	j, err := builder.Build(id)
	if err != nil {
		return fmt.Errorf("build jail: %w", err)
	}
	defer builder.Destroy(j)

	l := config.Limits{CPUMs: cpuMs, MemKB: memKB, FsizeKB: fsizeKB, NoFile: nofile, WallMs: wallMs}.ToLimits()

	res, err := runner.Run(runner.Request{
		Argv:   argv,
		Cwd:    "/tmp",
		Limits: l,
		Jail:   j,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(executionResult{
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
		ExitCode:        res.ExitCode,
		Signal:          res.Signal,
		Timeout:         res.Timeout,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
	}); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if res.ExitCode != nil {
		os.Exit(*res.ExitCode)
	}
	if res.Signal != nil {
		os.Exit(128 + *res.Signal)
	}
	return nil
}

// executionResult is the JSON shape `sandboxd run` prints, the same fields
// the HTTP adapter returns for a stateless run.
type executionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code"`
	Signal          *int   `json:"signal"`
	Timeout         bool   `json:"timeout"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}
