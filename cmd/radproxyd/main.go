// radproxyd — a generic RADIUS proxy with RadSec (RFC 6614) support.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/logging"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/proxy"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("c", "/etc/radproxyd/radproxyd.toml", "path to configuration file")
	debugLevel := flag.Int("d", 0, "debug level 1-5 (overrides log_level in config)")
	foreground := flag.Bool("f", false, "run in foreground, logging to stderr")
	pidFile := flag.String("i", "", "path to PID file (overrides pid_file in config)")
	validateOnly := flag.Bool("p", false, "parse and validate the configuration, then exit")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "radproxyd: unrecognized arguments: %v\n", flag.Args())
		flag.Usage()
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println("radproxyd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		validateLogger := logging.Setup(cfg.Daemon.LogLevel, os.Stderr)
		if _, err := proxy.New(cfg, validateLogger); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration OK")
		return
	}

	logLevel := cfg.Daemon.LogLevel
	if *debugLevel > 0 {
		logLevel = strconv.Itoa(*debugLevel)
	}

	var logger *slog.Logger
	var fileLogger *logging.FileLogger
	if *foreground || cfg.Daemon.LogDestination == "" || cfg.Daemon.LogDestination == "stderr" {
		logger = logging.Setup(logLevel, os.Stderr)
	} else {
		fileLogger, err = logging.NewFileLogger(cfg.Daemon.LogDestination, logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: opening log destination: %v\n", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
		logger = fileLogger.Logger()
	}

	logger.Info("radproxyd starting",
		"config", *configPath,
		"listen_udp", cfg.Listen.UDP,
		"listen_tcp", cfg.Listen.TCP)

	pidPath := cfg.Daemon.PIDFile
	if *pidFile != "" {
		pidPath = *pidFile
	}
	if pidPath != "" {
		if err := writePIDFile(pidPath); err != nil {
			logger.Warn("failed to write PID file", "path", pidPath, "error", err)
		} else {
			defer removePIDFile(pidPath)
		}
	}

	metrics.ServerInfo.WithLabelValues(version).Set(1)
	metrics.ServerStartTime.SetToCurrentTime()

	p, err := proxy.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build proxy", "error", err)
		os.Exit(1)
	}
	if cfg.Daemon.JournalPath != "" {
		if err := p.OpenJournal(cfg.Daemon.JournalPath, cfg.Daemon.JournalMaxEvents); err != nil {
			logger.Warn("failed to open journal", "error", err)
		}
	}

	if cfg.Daemon.MetricsListen != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/journal", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			j := p.Journal()
			if j == nil {
				nethttp.Error(w, "journal not configured", nethttp.StatusNotFound)
				return
			}
			events, err := j.Recent(500)
			if err != nil {
				nethttp.Error(w, err.Error(), nethttp.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(events)
		})
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Daemon.MetricsListen)
			if err := nethttp.ListenAndServe(cfg.Daemon.MetricsListen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	sigIgnore := make(chan os.Signal, 1)
	signal.Notify(sigIgnore, syscall.SIGPIPE)
	go func() {
		for range sigIgnore {
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				logger.Error("proxy exited", "error", err)
				os.Exit(1)
			}
			logger.Info("radproxyd stopped")
			return

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reloading configuration")
				newCfg, err := config.Load(*configPath)
				if err != nil {
					logger.Error("failed to reload configuration", "error", err)
					continue
				}
				newProxy, err := proxy.New(newCfg, logger)
				if err != nil {
					logger.Error("failed to rebuild proxy from reloaded configuration", "error", err)
					continue
				}
				if fileLogger != nil {
					if err := fileLogger.Reopen(); err != nil {
						logger.Warn("failed to reopen log file", "error", err)
					}
				}
				cancel()
				<-runErr
				ctx, cancel = context.WithCancel(context.Background())
				cfg = newCfg
				p = newProxy
				if cfg.Daemon.JournalPath != "" {
					if err := p.OpenJournal(cfg.Daemon.JournalPath, cfg.Daemon.JournalMaxEvents); err != nil {
						logger.Warn("failed to open journal after reload", "error", err)
					}
				}
				go func() { runErr <- p.Run(ctx) }()
				logger.Info("configuration reloaded successfully")

			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received shutdown signal", "signal", sig.String())
				cancel()
				select {
				case <-runErr:
				case <-time.After(10 * time.Second):
					logger.Warn("shutdown timed out waiting for proxy to stop")
				}
				logger.Info("radproxyd stopped")
				return
			}
		}
	}
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile removes the PID file.
func removePIDFile(path string) {
	os.Remove(path)
}
