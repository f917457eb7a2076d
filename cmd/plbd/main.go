// Command plbd runs the placement and load-balancing engine as a
// standalone daemon: the entity store, the three decision phases, the
// refresh scheduler, the optional movement-change notifier, and the HTTP
// ingress/query surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/httpapi"
	"github.com/clusterfabric/plb/internal/notify"
	"github.com/clusterfabric/plb/internal/scheduler"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/config"
	"github.com/clusterfabric/plb/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	cronExpr := flag.String("refresh-cron", "", "cron expression gating refresh ticks (overrides config; empty uses the configured expression)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	eng := engine.New(cfg.Engine, log_)
	manager := system.NewManager()

	cron := *cronExpr
	if cron == "" {
		cron = cfg.Engine.RefreshCronExpression
	}
	sched, err := scheduler.New(eng, cfg.Engine.RefreshTickInterval, cron, logger.NewDefault("scheduler"))
	if err != nil {
		log.Fatalf("build scheduler: %v", err)
	}
	if err := manager.Register(sched); err != nil {
		log.Fatalf("register scheduler: %v", err)
	}

	if cfg.Notify.RedisAddr != "" {
		publisher := notify.New(eng, cfg.Notify.RedisAddr, cfg.Notify.RedisChannel, logger.NewDefault("notify"))
		if err := manager.Register(publisher); err != nil {
			log.Fatalf("register notify publisher: %v", err)
		}
	}

	listenAddr := determineAddr(*addr, cfg)
	httpSvc := httpapi.NewService(eng, manager, listenAddr, logger.NewDefault("httpapi"))
	if err := manager.Register(httpSvc); err != nil {
		log.Fatalf("register http service: %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	log_.Infof("plbd listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		return ":8080"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Server.Port)
}
