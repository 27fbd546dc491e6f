package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sebas/presenced/internal/banner"
	"github.com/sebas/presenced/internal/logger"
	"github.com/sebas/presenced/internal/presence/app"
	"github.com/sebas/presenced/internal/presence/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "presenced:", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(os.Stdout)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	server, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create presence server", "error", err)
		os.Exit(1)
	}

	banner.Print("PRESENCE SERVER", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (udp, tcp)", cfg.BindAddr, cfg.Port)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Realm", Value: cfg.Realm},
		{Label: "Accept", Value: strings.Join(cfg.Accept, ", ")},
		{Label: "API", Value: orDisabled(cfg.APIAddr)},
		{Label: "gRPC health", Value: orDisabled(cfg.GRPCAddr)},
		{Label: "NATS", Value: orDisabled(cfg.NATSURL)},
		{Label: "Log level", Value: logger.GetLevel()},
	})
	logNetworkInterfaces()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := server.Run(ctx)
	if runErr != nil {
		slog.Error("Server error", "error", runErr)
	} else {
		slog.Info("Received signal, shutting down")
	}

	if err := server.Close(context.Background()); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
