// Command procwrapperd runs the service supervisor daemon: it loads
// services.yaml, launches the configured services through the process
// table, and serves the control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	procwrapper "github.com/Mungert69/ProcWrapper"
	"github.com/Mungert69/ProcWrapper/config"
	"github.com/Mungert69/ProcWrapper/supervisor"
	"github.com/Mungert69/ProcWrapper/web"
)

func main() {
	configPath := flag.String("config", "services.yaml", "path to services.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	root, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	addr := fmt.Sprintf("%s:%d", root.Host, root.Port)
	if isPortInUse(addr) {
		log.Fatalw("port already in use, another instance may be running", "addr", addr)
	}

	table := procwrapper.New(procwrapper.Options{Log: log.Named("table")})
	manager := supervisor.NewManager(table, root.GlobalConfig, log)

	configManager := config.NewManager(*configPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := configManager.StartWatching(ctx, manager); err != nil {
		log.Fatalw("failed to start config watcher", "error", err)
	}
	log.Infow("watching config for changes", "path", *configPath)

	server := web.NewServer(manager, log)
	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("shutting down", "signal", sig)
	case err := <-serverErrChan:
		log.Errorw("web server failed, shutting down", "error", err)
	}

	cancel()
	configManager.Stop()
	manager.StopAll()
	log.Infow("supervisor stopped")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// isPortInUse checks whether something already listens on addr.
func isPortInUse(addr string) bool {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return true
	}
	listener.Close()
	time.Sleep(10 * time.Millisecond)
	return false
}
