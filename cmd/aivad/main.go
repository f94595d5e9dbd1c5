// aivad is the local control plane daemon: it selects a Platform Driver
// for the current host, opens the registry and its supporting stores, and
// serves the Orchestrator's verbs over a Unix domain socket.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aivahq/aiva/internal/api"
	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/eventlog"
	"github.com/aivahq/aiva/internal/logstore"
	"github.com/aivahq/aiva/internal/orchestrator"
	"github.com/aivahq/aiva/internal/overlay"
	"github.com/aivahq/aiva/internal/registry"
	"github.com/aivahq/aiva/internal/secrets"
	"github.com/aivahq/aiva/internal/vmm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	cfg.ResolveBinaries()

	ctx := context.Background()

	driver, caps, err := vmm.Select(ctx, cfg)
	if err != nil {
		log.Fatalf("select platform driver: %v", err)
	}
	log.Printf("aivad starting (driver: %s, %s)", driver.Name(), caps.Details)

	if err := driver.EnsureHostReady(ctx); err != nil {
		log.Fatalf("prepare host for %s: %v", driver.Name(), err)
	}

	reg, err := registry.Open(cfg.InstancesDir)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	log.Printf("registry: %s", cfg.InstancesDir)

	ev, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	defer ev.Close()
	log.Printf("event log: %s", cfg.EventLogPath)

	ls := logstore.NewStore(cfg.LogsDir)
	ov := overlay.NewCopyOverlay(cfg.OverlaysDir)

	sec, err := secrets.NewStore(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("init secret store: %v", err)
	}
	log.Printf("secret store: %s", cfg.MasterKeyPath)

	orch := orchestrator.New(cfg, reg, driver, ev, ls, ov, sec)

	if names, err := reg.List(); err == nil {
		log.Printf("found %d instance(s) in registry", len(names))
	}

	server := api.NewServer(cfg, orch)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	pidPath := filepath.Join(cfg.AivaHome, "aivad.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("aivad ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	os.Remove(cfg.SocketPath)

	log.Println("aivad stopped")
}
