// Command backbone runs the cross-world coordination server: the
// control-tick orchestrator and the WS fan-out server behind one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stat7verse/backbone/internal/auditstore"
	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/orchestrator"
	"github.com/stat7verse/backbone/internal/telemetry"
	"github.com/stat7verse/backbone/internal/wsserver"
)

const serviceName = "backbone"

// Exit codes per the external interfaces: 0 normal shutdown, 1
// configuration error, 2 bind failure, 3 unrecoverable internal error.
const (
	exitOK       = 0
	exitConfig   = 1
	exitBindFail = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config file layered under environment overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	level := telemetry.LevelInfo
	if cfg.LogLevel == "debug" {
		level = telemetry.LevelDebug
	}
	logger := telemetry.New(os.Stdout, telemetry.Options{Service: serviceName, Level: level})
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var audit orchestrator.AuditSink
	if cfg.AuditDBDriver != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := auditstore.Open(openCtx, cfg.AuditDBDriver, cfg.AuditDBDSN, logger)
		cancel()
		if err != nil {
			logger.Error("audit_sink_unavailable", map[string]any{"err": err.Error()})
			return exitInternal
		}
		defer store.Close()
		audit = store
	}

	hub := wsserver.NewHub(cfg, logger)
	orch := orchestrator.New(cfg, logger, metrics, hub, audit)
	srv := wsserver.NewServer(cfg, logger, metrics, orch, hub)

	go orch.Run(ctx)
	seedRealms(ctx, orch, cfg)

	if err := srv.Run(ctx); err != nil {
		logger.Error("listen_failed", map[string]any{"err": err.Error()})
		return exitBindFail
	}

	logger.Info("shutdown_complete", nil)
	return exitOK
}

func seedRealms(ctx context.Context, orch *orchestrator.Orchestrator, cfg config.Config) {
	for _, seed := range cfg.SeedRealms {
		reply := make(chan orchestrator.Response, 1)
		err := orch.Submit(ctx, orchestrator.Request{
			Kind: orchestrator.CmdRegisterGame,
			Register: orchestrator.RegisterGameInput{
				GameID:        seed.GameID,
				RealmID:       seed.RealmID,
				DeveloperName: seed.DeveloperName,
				Description:   seed.Description,
			},
			Reply: reply,
		})
		if err != nil {
			return
		}
		<-reply
	}
}
