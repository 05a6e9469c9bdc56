// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// bacmon-api serves the REST and streaming API over the monitoring store. It
// runs alongside bacmond and shares nothing with it but the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/api"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/monitor"
	"bacmon.is/bacmon/internal/version"
)

// Exit codes: 0 clean, 1 configuration error, 2 store unreachable, 3 fatal
// runtime error.
const (
	exitOK = iota
	exitConfig
	exitStore
	exitFatal
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", config.DefaultPath, "configuration file")
	debug := flag.String("debug", "", "comma-separated component loggers to raise to debug")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return exitOK
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bacmon-api: %v\n", err)
		return exitConfig
	}

	log := logging.New(loggerConfig(cfg.Logging))
	for _, name := range strings.Split(*debug, ",") {
		if name != "" {
			logging.SetComponentDebug(name)
		}
	}
	log.Info("starting", "version", version.String(), "config", *cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := kvstore.NewRedisStore(storeConfig(cfg.Redis))
	defer store.Close()
	if err := monitor.CheckStore(ctx, store); err != nil {
		log.Error("store check failed", "error", err)
		return exitStore
	}

	// The API drives alert state directly; notifications stay with bacmond.
	var alerts *alerting.Manager
	if cfg.Alerts != nil {
		alerts = alerting.NewManager(store, alerting.Config{
			MaxAlertsPerHour: cfg.Alerts.MaxAlertsPerHour,
			CooldownSeconds:  int64(cfg.Alerts.CooldownSeconds),
		}, nil, log)
		if err := alerts.Load(ctx); err != nil {
			log.Warn("alert state restore failed", "error", err)
		}
	}

	collector := monitor.StartCollector(log, store)
	defer collector.Stop()

	server := api.NewServer(cfg, store, alerts, log)
	server.SetCollector(collector)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
		return exitOK
	case err := <-errCh:
		if err != nil {
			log.Error("api server failed", "error", err)
			return exitFatal
		}
		return exitOK
	}
}

// loggerConfig maps the optional logging block onto the logger defaults.
func loggerConfig(lc *config.LoggingConfig) logging.Config {
	cfg := logging.DefaultConfig()
	if lc == nil {
		return cfg
	}
	if lc.Level != "" {
		cfg.Level = lc.Level
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	cfg.File = lc.File
	if sl := lc.Syslog; sl != nil {
		cfg.Syslog.Enabled = sl.Enabled
		cfg.Syslog.Host = sl.Host
		if sl.Port != 0 {
			cfg.Syslog.Port = sl.Port
		}
		if sl.Protocol != "" {
			cfg.Syslog.Protocol = sl.Protocol
		}
		if sl.Tag != "" {
			cfg.Syslog.Tag = sl.Tag
		}
		if sl.Facility != 0 {
			cfg.Syslog.Facility = sl.Facility
		}
	}
	return cfg
}

// storeConfig maps the redis block onto connection parameters.
func storeConfig(rc config.RedisConfig) kvstore.RedisConfig {
	cfg := kvstore.DefaultRedisConfig()
	if rc.Host != "" {
		cfg.Host = rc.Host
	}
	if rc.Port != 0 {
		cfg.Port = rc.Port
	}
	cfg.DB = rc.DB
	cfg.Password = rc.Password
	if rc.TimeoutMS > 0 {
		t := time.Duration(rc.TimeoutMS) * time.Millisecond
		cfg.DialTimeout, cfg.ReadTimeout, cfg.WriteTimeout = t, t, t
	}
	if rc.MaxRetries > 0 {
		cfg.MaxRetries = rc.MaxRetries
	}
	if rc.RetryBackoffMS > 0 {
		cfg.RetryBackoff = time.Duration(rc.RetryBackoffMS) * time.Millisecond
	}
	return cfg
}
