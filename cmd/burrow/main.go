package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/breaker"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/environment"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ratelimit"
	"github.com/cuemby/burrow/pkg/reaper"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - multi-tenant terminal sandbox orchestrator",
	Long: `Burrow provisions hardened, short-lived sandbox containers and
bridges their terminals to browsers over duplex channels, with
per-client rate limiting and a global admission breaker.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(environmentsCmd)
	rootCmd.AddCommand(versionCmd)

	flags := serveCmd.Flags()
	flags.Int("port", config.DefaultPort, "listen port")
	flags.String("host", config.DefaultHost, "listen host")
	flags.String("runtime-socket", config.DefaultRuntimeSocket, "container runtime socket")
	flags.String("frontend-origin", "", "allowed CORS origin")
	flags.String("env-dir", "", "directory of YAML environment plugin files")
	flags.Bool("development", false, "bypass rate limit rejections (counters still maintained)")
	flags.Bool("secure-runtime", false, "run sandboxes under the gVisor runtime")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "structured JSON log output")

	environmentsCmd.Flags().String("env-dir", "", "directory of YAML environment plugin files")
}

// applyFlags layers explicit command-line flags over the environment
// configuration. Flags win.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("runtime-socket") {
		cfg.RuntimeSocket, _ = flags.GetString("runtime-socket")
	}
	if flags.Changed("frontend-origin") {
		cfg.FrontendOrigin, _ = flags.GetString("frontend-origin")
	}
	if flags.Changed("env-dir") {
		cfg.EnvDir, _ = flags.GetString("env-dir")
	}
	if flags.Changed("development") {
		cfg.DevelopmentMode, _ = flags.GetBool("development")
	}
	if flags.Changed("secure-runtime") {
		cfg.SecureRuntime, _ = flags.GetBool("secure-runtime")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		applyFlags(cmd, cfg)

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(2)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")
		metrics.SetVersion(Version)

		if err := serve(cfg); err != nil {
			logger.Error().Err(err).Msg("startup failed")
			os.Exit(1)
		}
		return nil
	},
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("main")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := environment.NewRegistry(cfg.EnvDir)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("registry", true, "")

	rtm, err := runtime.NewManager(ctx, cfg.RuntimeSocket, cfg.SecureRuntime)
	if err != nil {
		return err
	}
	defer rtm.Close()
	metrics.RegisterComponent("runtime", true, "")

	// Fail closed on missing images: a session request never races an
	// image pull.
	if err := registry.ValidateAll(ctx, rtm); err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionsPerHour:       cfg.SessionsPerHour,
		CommandsPerMinute:     cfg.CommandsPerMinute,
		MaxConcurrentChannels: cfg.MaxConcurrentChannels,
		DevelopmentMode:       cfg.DevelopmentMode,
	})

	brk := breaker.New(breaker.Config{
		MaxContainers:    cfg.MaxContainers,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
		Cooldown:         cfg.BreakerCooldown,
	}, runningCounter{rtm})
	brk.Start(ctx)
	defer brk.Stop()

	sessions := session.NewManager(registry, session.ManagerRuntime{Manager: rtm}, limiter, brk, session.Config{
		AttachGrace:     cfg.AttachGrace,
		CleanupInterval: cfg.CleanupInterval,
		InitTimeout:     cfg.InitTimeout,
	})
	sessions.StartCleanup(ctx)
	defer sessions.StopCleanup()

	sweeper := reaper.New(sessions, rtm, reaper.Config{
		Interval:        cfg.CleanupInterval,
		MaxContainerAge: cfg.MaxContainerAge,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	collector := metrics.NewCollector(metricsSource{sessions, rtm, brk})
	collector.Start(ctx)
	defer collector.Stop()

	server := api.NewServer(api.Config{
		Addr:              cfg.Addr(),
		FrontendOrigin:    cfg.FrontendOrigin,
		AdminSharedHeader: cfg.AdminSharedHeader,
	}, sessions, rtm, limiter, brk, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Shutdown in reverse start order: stop admitting, drain requests,
	// then stop the background loops via the deferred cancels.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http drain incomplete")
	}
	// Live sessions are torn down before the daemon connection closes so
	// sandbox containers do not outlive the process.
	sessions.DestroyAll(shutdownCtx, "server shutdown")
	logger.Info().Msg("shutdown complete")
	return nil
}

var environmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "List the registered sandbox environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		envDir, _ := cmd.Flags().GetString("env-dir")
		registry, err := environment.NewRegistry(envDir)
		if err != nil {
			return err
		}
		for _, env := range registry.List() {
			fmt.Printf("%-10s %-30s %-8s %s\n", env.Name, env.Image, env.Category, env.Description)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Burrow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// runningCounter adapts the runtime manager to the breaker's load
// source.
type runningCounter struct {
	rt *runtime.Manager
}

func (c runningCounter) RunningContainers(ctx context.Context) (int, error) {
	listed, err := c.rt.List(ctx, types.ContainerFilter{Status: types.StatusRunning})
	if err != nil {
		return 0, err
	}
	return len(listed), nil
}

// metricsSource feeds the metrics collector from live state.
type metricsSource struct {
	sessions *session.Manager
	rt       *runtime.Manager
	breaker  *breaker.Breaker
}

func (s metricsSource) SessionCounts() map[types.SessionState]int {
	return s.sessions.SessionCounts()
}

func (s metricsSource) RunningContainers(ctx context.Context) (int, error) {
	return runningCounter{s.rt}.RunningContainers(ctx)
}

func (s metricsSource) BreakerStatus() types.BreakerStatus {
	return s.breaker.Status()
}
