package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usenocturne/panlink/bluetooth"
	"github.com/usenocturne/panlink/config"
	"github.com/usenocturne/panlink/ws"
)

const defaultConfigPath = "/etc/nocturne/panlink.hjson"

func main() {
	configPath := os.Getenv("PANLINK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := bluetooth.SystemBusTransport(cfg.Bluetooth.CallTimeout)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to system bus")
	}
	defer transport.Close()
	log.Info("Connected to system bus")

	hub := ws.NewWebSocketHub(log)

	manager, err := bluetooth.NewBluetoothManager(ctx, transport, bluetooth.Options{
		Log:     log,
		Events:  hub,
		Links:   bluetooth.NetlinkLinks{},
		PanRole: cfg.Bluetooth.PanRole,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to start bluetooth manager")
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newRouter(manager, hub, cfg.VersionFile, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Daemon stopped")
	}
	log.Info("Daemon stopped")
}
