package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cc-warren/agency/pkg/broker"
	"github.com/cc-warren/agency/pkg/config"
	"github.com/cc-warren/agency/pkg/log"
	"github.com/cc-warren/agency/pkg/metrics"
	"github.com/cc-warren/agency/pkg/notify"
	"github.com/cc-warren/agency/pkg/proxy"
	"github.com/cc-warren/agency/pkg/runtime"
	"github.com/cc-warren/agency/pkg/scheduler"
	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the store, secret broker client, node proxies, and scheduler",
	Long: `run starts the full daemon: it opens the embedded store, builds a
secret broker client and one container-runtime proxy per configured node,
then starts the scheduler's control loop. It blocks until interrupted.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("config", "./agency.yml", "Path to the daemon configuration file")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, /live endpoints")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := seedNodes(ctx, s, cfg); err != nil {
		return fmt.Errorf("seed node records: %w", err)
	}

	brokerClient := broker.New(cfg.Trustee.InternalURL, cfg.Trustee.Username, cfg.Trustee.Password)
	dispatcher := notify.New(cfg.Controller.NotificationHooks)

	// sched is assigned after construction; proxies only need a closure
	// over it so the scheduler<->proxy wiring stays one-directional (the
	// scheduler holds ProxyHandle references, proxies only ever nudge it).
	var sched *scheduler.Scheduler
	nudge := func() {
		if sched != nil {
			sched.NudgeNow()
		}
	}

	proxies := make([]*proxy.Proxy, 0, len(cfg.Controller.Docker.Nodes))
	handles := make([]scheduler.ProxyHandle, 0, len(cfg.Controller.Docker.Nodes))
	for name, node := range cfg.Controller.Docker.Nodes {
		driver, err := runtime.NewContainerdDriver(node.BaseURL)
		if err != nil {
			return fmt.Errorf("node %q: connect container runtime: %w", name, err)
		}

		p := proxy.New(proxy.Config{
			NodeName:                  name,
			Driver:                    driver,
			Store:                     s,
			Broker:                    brokerClient,
			Hardware:                  node.Hardware,
			ImagePruneDuration:        cfg.Controller.Docker.ImagePruneDuration,
			AllowInsecureCapabilities: cfg.Controller.Docker.AllowInsecureCapabilities,
			SchedulerNudge:            nudge,
		})
		proxies = append(proxies, p)
		handles = append(handles, p)
	}

	sched = scheduler.New(s, brokerClient, dispatcher, handles, cfg.Controller.Docker.AllowInsecureCapabilities)

	for _, p := range proxies {
		p.Start()
	}
	sched.Start()
	log.Logger.Info().Int("nodes", len(proxies)).Msg("scheduler and node proxies started")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "open")
	metrics.RegisterComponent("broker", true, "configured")
	metrics.RegisterComponent("scheduler", true, "running")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("metrics server failed")
	}

	for _, p := range proxies {
		p.Stop()
	}
	sched.Stop()
	_ = httpServer.Shutdown(context.Background())
	return nil
}

// seedNodes ensures every node named in the configuration has a store
// record for the proxy's inspection loop to update; GetNode is a silent
// no-op on missing records (see proxy.go's probeOnline/probeOffline), so
// without this a node's capacity and history would never be recorded.
func seedNodes(ctx context.Context, s store.Store, cfg *config.Config) error {
	for name, node := range cfg.Controller.Docker.Nodes {
		if _, err := s.GetNode(ctx, name); err == nil {
			continue
		} else if err != store.ErrNotFound {
			return err
		}
		if err := s.InsertNode(ctx, &types.Node{
			Name:  name,
			State: types.NodeOffline,
			RAMMB: node.Hardware.RAMMB,
			CPUs:  node.Hardware.CPUs,
		}); err != nil {
			return err
		}
	}
	return nil
}
