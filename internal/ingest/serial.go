package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"helmguard/internal/config"
)

// StartSerial reads line-framed payloads from serial device files, one
// reader goroutine per port. Gateways bridge LoRa and BLE helmets onto these
// ports as newline-delimited JSON or key=value lines.
func StartSerial(ctx context.Context, cfg *config.Manager, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	current := cfg.Get().Ingest.Serial
	if !current.Enabled {
		if logger != nil {
			logger.Info("serial ingest disabled")
		}
		return
	}
	for _, port := range current.Ports {
		port := port
		if logger != nil {
			logger.Info("serial ingest enabled", "port", port)
		}
		go readPort(ctx, port, out, logger, drops)
	}
}

func readPort(ctx context.Context, port string, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	var file *os.File
	for {
		select {
		case <-ctx.Done():
			if file != nil {
				_ = file.Close()
			}
			return
		default:
		}
		if file == nil {
			f, err := os.Open(port)
			if err != nil {
				if logger != nil {
					logger.Warn("serial open failed", "port", port, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					continue
				}
				if logger != nil {
					logger.Warn("serial read error", "port", port, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			emitLine(ctx, "serial", line, out, logger, drops)
		}
	}
}

func emitLine(ctx context.Context, source, line string, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	obj, err := ParseLine(line)
	if err != nil || obj == nil {
		return
	}
	SendNonBlocking(ctx, out, Message{
		Source: source,
		Kind:   ClassifyFields(obj),
		Fields: obj,
	}, logger, drops)
}
