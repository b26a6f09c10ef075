package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/stevenmcginty/tillsync/internal/dashboard"
	"github.com/stevenmcginty/tillsync/internal/remote"
	"github.com/stevenmcginty/tillsync/internal/till"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and dashboard",
	Long: `Run the synchronization daemon.

The daemon opens the local outbox, connects to the configured backend,
and pushes queued work whenever a live connection is confirmed. A
WebSocket dashboard broadcasts queue depths and connection status.

Example usage:
  till serve                     # Backend and port from config.yaml
  till serve --port 9000         # Override the dashboard port

With no backend_url configured the daemon runs against an in-process
demo backend, which is useful for trying the dashboard locally.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Dashboard port (overrides config)")
	serveCmd.Flags().Bool("demo", false, "Use the in-process demo backend even if backend_url is set")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	blob, err := openOutbox()
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer blob.Close()

	// Backend connection. Without a configured URL the daemon serves an
	// in-process demo backend that is always reachable.
	backendURL := cfg.GetString(cfgKeyBackendURL)
	if demo, _ := cmd.Flags().GetBool("demo"); demo {
		backendURL = ""
	}
	var remoteStore remote.Store
	var closeRemote func() error
	if backendURL == "" {
		logger.Println("No backend configured, using in-process demo backend")
		remoteStore = remote.NewMemStore()
	} else {
		client, err := remote.Dial(ctx, backendURL, logger)
		if err != nil {
			return fmt.Errorf("connect to backend: %w", err)
		}
		remoteStore = client
		closeRemote = client.Close
	}

	e, err := newEngine(blob, remoteStore)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer e.Stop()

	// Dashboard.
	port := cfg.GetInt(cfgKeyDashboardPort)
	if flagPort, _ := cmd.Flags().GetInt("port"); flagPort != 0 {
		port = flagPort
	}
	server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
	if err := server.Start(); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	defer server.Stop()

	handler := dashboard.NewHandler(server, e, till.Collections(), logger)
	handler.Attach()
	defer handler.Detach()

	// sync_paused can be flipped in config.yaml while the daemon runs.
	var paused atomic.Bool
	paused.Store(cfg.GetBool(cfgKeySyncPaused))
	if paused.Load() {
		e.SetDeviceOnline(false)
	}
	cfg.OnConfigChange(func(event fsnotify.Event) {
		logger.Printf("Config reloaded: %s", event.Name)
		wasPaused := paused.Swap(cfg.GetBool(cfgKeySyncPaused))
		if paused.Load() {
			e.SetDeviceOnline(false)
		} else if wasPaused {
			// Unpausing: let the probe (or the demo default) re-enable.
			e.SetDeviceOnline(backendURL == "" || probeOnce(backendURL))
		}
	})
	cfg.WatchConfig()

	// Connectivity probe: a real backend is only "device online" while
	// its host answers on TCP.
	if backendURL != "" {
		go probeLoop(ctx, backendURL, e.SetDeviceOnline, &paused)
	}

	logger.Printf("Daemon running, dashboard on http://localhost:%d", port)
	fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
	fmt.Println("Press Ctrl+C to stop...")

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	if closeRemote != nil {
		if err := closeRemote(); err != nil {
			logger.Printf("Backend close error: %v", err)
		}
	}
	return nil
}

// probeLoop feeds device connectivity into the engine. It never marks
// the device online while syncing is paused.
func probeLoop(ctx context.Context, backendURL string, setOnline func(bool), paused *atomic.Bool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			setOnline(probeOnce(backendURL) && !paused.Load())
		}
	}
}

// probeOnce reports whether the backend host answers on TCP.
func probeOnce(backendURL string) bool {
	host := probeAddr(backendURL)
	if host == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// probeAddr extracts a dialable host:port from the backend URL.
func probeAddr(backendURL string) string {
	u, err := url.Parse(backendURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host
}
