package ingest

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"helmguard/internal/config"
)

// StartUDP listens for datagrams from WiFi helmets that fire-and-forget
// their readings. A datagram may pack several newline-separated payloads.
func StartUDP(ctx context.Context, cfg *config.Manager, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled || current.Addr == "" {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("udp ingest enabled", "addr", current.Addr)
	}
	go listenUDP(ctx, current.Addr, out, logger, drops)
}

func listenUDP(ctx context.Context, addr string, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("udp resolve error", "addr", addr, "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("udp listen error", "addr", addr, "err", err)
		}
		return
	}
	defer conn.Close()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				if logger != nil {
					logger.Warn("udp deadline error", "err", err)
				}
				return
			}
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if logger != nil {
					logger.Warn("udp read error", "err", err)
				}
				continue
			}
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				emitLine(ctx, "udp", line, out, logger, drops)
			}
		}
	}
}
