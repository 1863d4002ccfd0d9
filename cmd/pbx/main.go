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
	"time"

	"github.com/sonara/pbx/internal/banner"
	"github.com/sonara/pbx/internal/config"
	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/logger"
	"github.com/sonara/pbx/internal/metrics"
	"github.com/sonara/pbx/internal/sip"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Sonara PBX", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (udp)", cfg.BindAddr, cfg.SIPPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Codecs", Value: strings.Join(cfg.CodecPreference, ", ")},
		{Label: "Audio path", Value: cfg.AudioBasePath},
		{Label: "Recordings", Value: cfg.RecordPath},
		{Label: "Metrics", Value: metricsLabel(cfg.MetricsAddr)},
	})

	publisher := events.NewLoggingPublisher(slog.Default())

	server, err := sip.NewServer(cfg, publisher)
	if err != nil {
		slog.Error("Failed to create PBX server", "error", err)
		os.Exit(1)
	}

	run(server, cfg)
}

func run(server *sip.Server, cfg *config.Config) {
	slog.Info("Starting Sonara PBX",
		"sip_port", cfg.SIPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
	)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			slog.Error("SIP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	if err := server.Close(); err != nil {
		slog.Warn("Shutdown error", "error", err)
	}
	cancel()

	// Give in-flight BYEs a moment to drain.
	time.Sleep(1 * time.Second)
}

func metricsLabel(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
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
