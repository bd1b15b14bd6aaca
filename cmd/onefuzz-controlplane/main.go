package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/onefuzz/controlplane/pkg/agentapi"
	"github.com/onefuzz/controlplane/pkg/api"
	"github.com/onefuzz/controlplane/pkg/auth"
	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/log"
	"github.com/onefuzz/controlplane/pkg/periodic"
	"github.com/onefuzz/controlplane/pkg/processor"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/realtime"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/scheduler"
	"github.com/onefuzz/controlplane/pkg/secrets"
	"github.com/onefuzz/controlplane/pkg/userapi"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "onefuzz-controlplane",
	Short: "OneFuzz control plane - fuzzing-as-a-service scheduling engine",
	Long: `The OneFuzz control plane schedules fuzzing tasks onto pools of
worker VMs: it owns the Job/Task/Pool/Scaleset/Node state machines, the
agent registration and work-dispatch protocol, and the reconciliation
loops that keep cloud capacity matched to outstanding work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"onefuzz-controlplane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster")
	serveCmd.Flags().String("join", "", "Admin address of an existing replica's leader to join")
	rootCmd.AddCommand(serveCmd)

	tokenCmd.Flags().String("scope", "user", "Credential scope (user, admin)")
	tokenCmd.Flags().String("subject", "", "Subject to bind the credential to")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Credential lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logFormat == "json",
	})
}

func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a control-plane replica",
	Long: `Run a control-plane replica: the agent and user HTTP surfaces, the
periodic drivers, and this replica's share of the replicated record
store. Exactly one of --bootstrap (first replica) or --join (every
subsequent replica) is required on a fresh data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		joinAddr, _ := cmd.Flags().GetString("join")
		if bootstrap && joinAddr != "" {
			return fmt.Errorf("--bootstrap and --join are mutually exclusive")
		}
		if !bootstrap && joinAddr == "" {
			return fmt.Errorf("one of --bootstrap or --join is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg, bootstrap, joinAddr)
	},
}

func runServe(cfg config.Config, bootstrap bool, joinAddr string) error {
	logger := log.WithNodeID(cfg.NodeID)
	api.Version = Version

	c, err := cluster.New(cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("open cluster: %w", err)
	}
	defer func() { _ = c.Shutdown() }()

	if bootstrap {
		if err := c.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
	} else {
		if err := c.Join(joinAddr); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Timeouts.QueueCall)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("reach redis at %s: %w", cfg.Redis.Addr, err)
	}
	q := queue.New(redisClient)

	issuer, err := auth.NewIssuer(cfg.JWTSigningKey)
	if err != nil {
		return fmt.Errorf("build token issuer: %w", err)
	}

	clusterKey, err := secrets.DeriveClusterKey(cfg.ClusterSecret)
	if err != nil {
		return fmt.Errorf("derive cluster key: %w", err)
	}
	secretsManager, err := secrets.NewManager(clusterKey)
	if err != nil {
		return fmt.Errorf("build secrets manager: %w", err)
	}

	// The in-memory provider stands in until a real cloud adapter is
	// plugged in; everything above it is adapter-agnostic.
	provider := cloud.NewFake()

	repos := repository.New(c)
	procs := processor.New(repos, q, provider, cfg.Timeouts, cfg.LatestAgentVersion)
	sched := scheduler.New(repos, q, log.WithComponent("scheduler"))
	hub := realtime.NewHub(c.Events, log.WithComponent("realtime"))

	drivers, err := periodic.New(repos, procs, sched, q, cfg.Intervals, log.WithComponent("periodic"))
	if err != nil {
		return fmt.Errorf("build periodic drivers: %w", err)
	}

	agentSrv := &http.Server{
		Addr:         cfg.AgentAPIAddr,
		Handler:      agentapi.New(repos, q, issuer, provider, cfg.Timeouts.CloudAdapterCall, log.WithComponent("agentapi")).Routes(),
		ReadTimeout:  cfg.Timeouts.RequestSoftDead,
		WriteTimeout: cfg.Timeouts.RequestSoftDead,
		IdleTimeout:  60 * time.Second,
	}
	userSrv := &http.Server{
		Addr:         cfg.UserAPIAddr,
		Handler:      userapi.New(repos, q, issuer, provider, hub, secretsManager, cfg, log.WithComponent("userapi")).Routes(),
		ReadTimeout:  cfg.Timeouts.RequestSoftDead,
		WriteTimeout: cfg.Timeouts.RequestSoftDead,
		IdleTimeout:  60 * time.Second,
	}
	adminSrv := api.NewAdminServer(c)

	errCh := make(chan error, 3)
	go func() {
		logger.Info().Str("addr", cfg.AgentAPIAddr).Msg("agent api listening")
		if err := agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("agent api: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.UserAPIAddr).Msg("user api listening")
		if err := userSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("user api: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin api listening")
		if err := adminSrv.Start(cfg.AdminAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin api: %w", err)
		}
	}()

	drivers.Start()

	metricsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RefreshMetrics()
			case <-metricsDone:
				return
			}
		}
	}()

	logger.Info().Msg("control plane started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed, shutting down")
	}

	close(metricsDone)
	drivers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = agentSrv.Shutdown(shutdownCtx)
	_ = userSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)

	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a user or admin credential",
	Long: `Issue a signed credential for the user HTTP surface. The signing key
comes from the configuration file, so tokens minted here verify against
any replica sharing that configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if subject == "" {
			return fmt.Errorf("--subject is required")
		}
		if scope != "user" && scope != "admin" {
			return fmt.Errorf("--scope must be user or admin")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(cfg.JWTSigningKey)
		if err != nil {
			return err
		}
		token, err := issuer.IssueUserToken(subject, scope == "admin", ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}
