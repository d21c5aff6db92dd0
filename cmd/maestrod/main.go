// Command maestrod runs one maestro host: the agent registry, the tmux
// session supervisor, the AMP router with its relay queue, the peer mesh,
// and the HTTP surface that ties them together. State lives in flat files
// under the data directory, so a host needs nothing but tmux and a port.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/audit"
	"github.com/aimaestro/maestro/internal/fleet"
	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/identity"
	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/meeting"
	"github.com/aimaestro/maestro/internal/mesh"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/internal/relay"
	"github.com/aimaestro/maestro/internal/router"
	"github.com/aimaestro/maestro/internal/server"
	"github.com/aimaestro/maestro/internal/session"
	"github.com/aimaestro/maestro/internal/stream"
	"github.com/aimaestro/maestro/internal/webhooks"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("maestrod exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("maestro")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 4301)
	viper.SetDefault("server.cors_origins", []string{})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.max_body_bytes", 0)
	viper.SetDefault("data.dir", "")
	viper.SetDefault("host.id", "")
	viper.SetDefault("host.name", "")
	viper.SetDefault("host.url", "")
	viper.SetDefault("host.organization", "")
	viper.SetDefault("session.tmux_bin", "tmux")
	viper.SetDefault("session.idle_threshold", session.DefaultIdleThreshold.String())
	viper.SetDefault("session.watch_interval", "10s")
	viper.SetDefault("relay.ttl", relay.DefaultTTL.String())
	viper.SetDefault("router.agent_limit_per_minute", 60)
	viper.SetDefault("router.provider_limit_per_minute", 120)
	viper.SetDefault("router.forward_timeout", "10s")
	viper.SetDefault("router.discovery_timeout", "3s")
	viper.SetDefault("mesh.probe_timeout", "5s")
	viper.SetDefault("mesh.sync_timeout", "10s")
	viper.SetDefault("mesh.sync_schedule", "")
	viper.SetDefault("fleet.self_timeout", "8s")
	viper.SetDefault("fleet.peer_timeout", "3s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	port := viper.GetInt("server.port")
	dataDir := resolveDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logger.Info("maestrod starting",
		zap.String("version", version),
		zap.String("data_dir", dataDir),
	)

	// ── Host identity ─────────────────────────────────────────────────────────
	hostID, hostName := hostIdentity()
	hostURL := viper.GetString("host.url")
	if hostURL == "" {
		hostURL = fmt.Sprintf("http://localhost:%d", port)
	}

	hostStore := hosts.NewStore(dataDir, logger)
	self, err := hostStore.EnsureSelfHost(hostID, hostName, hostURL)
	if err != nil {
		return fmt.Errorf("ensure self host: %w", err)
	}
	if org := viper.GetString("host.organization"); org != "" {
		if _, err := hostStore.AdoptOrganization(org, time.Now().UTC(), self.ID); err != nil {
			return fmt.Errorf("adopt organization %q: %w", org, err)
		}
	}
	logger.Info("self host ready", zap.String("host_id", self.ID), zap.String("url", self.URL))

	// ── Stores ────────────────────────────────────────────────────────────────
	agents := registry.NewStore(dataDir, logger)
	keys := identity.NewStore(dataDir)
	queue := relay.NewQueue(dataDir, logger)
	queue.SetTTL(viper.GetDuration("relay.ttl"))
	mail := mailbox.NewStore(dataDir, logger)
	meetings := meeting.NewStore(dataDir, logger)
	hooks := webhooks.NewStore(dataDir, logger)

	auditLog, err := audit.Open(dataDir, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if err := auditLog.Verify(); err != nil {
		logger.Warn("audit chain integrity check FAILED", zap.Error(err))
	}

	// ── Sessions and the status stream ────────────────────────────────────────
	runner := session.NewExecRunner(viper.GetString("session.tmux_bin"))
	sup := session.NewSupervisor(runner, dataDir, viper.GetDuration("session.idle_threshold"), logger)
	sup.SetStatusStore(agents)

	hub := stream.NewHub(logger)
	sup.SetNotifier(hub)
	hub.SetSnapshot(func(ctx context.Context) []stream.Frame {
		all, err := agents.ListAgents()
		if err != nil {
			logger.Warn("status snapshot: list agents", zap.Error(err))
			return nil
		}
		frames := make([]stream.Frame, 0, len(all))
		for _, a := range all {
			cs := a.CanonicalSession()
			if cs == nil {
				continue
			}
			st := sup.Status(ctx, a.ID, cs.TmuxSessionName)
			frames = append(frames, stream.Frame{
				Type:             stream.FrameInitialStatus,
				SessionName:      st.SessionName,
				Status:           st.State,
				HookStatus:       st.HookStatus,
				NotificationType: st.NotificationType,
				Timestamp:        time.Now().UTC(),
			})
		}
		return frames
	})

	// ── Webhooks ──────────────────────────────────────────────────────────────
	dispatcher := webhooks.NewDispatcher(hooks, logger)
	dispatcher.SetMetricsRecorder(server.RecordWebhookDelivery)

	// ── Router ────────────────────────────────────────────────────────────────
	rt := router.New(agents, keys, hostStore, queue, mail, dataDir, router.Config{
		AgentLimitPerMinute:    viper.GetInt("router.agent_limit_per_minute"),
		ProviderLimitPerMinute: viper.GetInt("router.provider_limit_per_minute"),
		ForwardTimeout:         viper.GetDuration("router.forward_timeout"),
		DiscoveryTimeout:       viper.GetDuration("router.discovery_timeout"),
	}, logger)
	rt.SetNotifier(sup)
	rt.SetStream(hub)
	rt.SetEvents(dispatcher)
	rt.SetAuditor(auditLog)

	peerAgents := fleet.NewHTTPAgentLister(viper.GetDuration("fleet.peer_timeout"))
	check := registry.NewMeshChecker(hostStore, peerAgents, logger)
	rt.SetDiscovery(check)

	// ── Mesh ──────────────────────────────────────────────────────────────────
	meshSvc := mesh.New(hostStore, dataDir, mesh.Config{
		ProbeTimeout: viper.GetDuration("mesh.probe_timeout"),
		SyncTimeout:  viper.GetDuration("mesh.sync_timeout"),
	}, logger)
	meshSvc.SetSessionCounter(sup)
	meshSvc.SetEvents(dispatcher)
	meshSvc.SetAuditor(auditLog)

	// ── Fleet ─────────────────────────────────────────────────────────────────
	cache, err := fleet.OpenCache(filepath.Join(dataDir, "fleet-cache.db"))
	if err != nil {
		return fmt.Errorf("open fleet cache: %w", err)
	}
	defer cache.Close() //nolint:errcheck

	agg := fleet.New(agents, hostStore, peerAgents, cache, fleet.Config{
		SelfTimeout: viper.GetDuration("fleet.self_timeout"),
		PeerTimeout: viper.GetDuration("fleet.peer_timeout"),
	}, logger)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		Version:      version,
		CORSOrigins:  viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS: viper.GetInt("server.rate_limit_rps"),
		MaxBodyBytes: viper.GetInt64("server.max_body_bytes"),
	}, server.Deps{
		Agents:    agents,
		Sessions:  sup,
		Mail:      mail,
		Meetings:  meetings,
		Hosts:     hostStore,
		Mesh:      meshSvc,
		Router:    rt,
		Fleet:     agg,
		Identity:  keys,
		Relay:     queue,
		Webhooks:  hooks,
		Events:    dispatcher,
		Audit:     auditLog,
		Hub:       hub,
		MeshCheck: check,
		Log:       logger,
	})

	// ── Session watcher ───────────────────────────────────────────────────────
	watchCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	sup.StartWatcher(watchCtx, agents, viper.GetDuration("session.watch_interval"))

	// ── Scheduled maintenance ─────────────────────────────────────────────────
	refreshAgentsGauge := func() {
		all, err := agents.ListAgents()
		if err != nil {
			return
		}
		online, offline := 0, 0
		for _, a := range all {
			if a.IsSystem() {
				continue
			}
			if a.IsOnline() {
				online++
			} else {
				offline++
			}
		}
		server.SetAgentsGauge(online, offline)
	}
	refreshAgentsGauge()

	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		if n, err := queue.CleanupAllExpired(); err != nil {
			logger.Warn("relay cleanup error", zap.Error(err))
		} else if n > 0 {
			logger.Info("relay cleanup removed expired messages", zap.Int("removed", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule relay cleanup: %w", err)
	}
	if _, err := sched.AddFunc("@every 1m", refreshAgentsGauge); err != nil {
		return fmt.Errorf("schedule agents gauge refresh: %w", err)
	}
	if schedule := viper.GetString("mesh.sync_schedule"); schedule != "" {
		if _, err := sched.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if res, err := meshSvc.SyncAll(ctx); err != nil {
				logger.Warn("mesh sync error", zap.Error(err))
			} else {
				logger.Info("mesh sync complete",
					zap.Int("synced", len(res.Synced)),
					zap.Int("failed", len(res.Failed)),
				)
			}
		}); err != nil {
			return fmt.Errorf("schedule mesh sync %q: %w", schedule, err)
		}
	}
	sched.Start()

	// ── Serve ─────────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("maestrod listening", zap.Int("port", port), zap.String("host_id", self.ID))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down maestrod...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduled jobs did not finish before shutdown deadline")
	}
	dispatcher.Drain(5 * time.Second)
	stopWatcher()

	logger.Info("maestrod stopped")
	return nil
}

// resolveDataDir returns the configured state directory, defaulting to
// ~/.maestro, or ./data when the home directory cannot be determined.
func resolveDataDir() string {
	if dir := viper.GetString("data.dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".maestro")
}

// hostIdentity returns the configured host id and display name, both
// falling back to the machine hostname.
func hostIdentity() (id, name string) {
	id = viper.GetString("host.id")
	name = viper.GetString("host.name")
	if id != "" && name != "" {
		return id, name
	}
	hn, err := os.Hostname()
	if err != nil {
		hn = "maestro"
	}
	if id == "" {
		id = hn
	}
	if name == "" {
		name = hn
	}
	return id, name
}
