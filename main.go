package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitwise74/attachments/config"
	"bitwise74/attachments/internal"
	"bitwise74/attachments/internal/record"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	err := config.Setup()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := internal.New(ctx)
	if err != nil {
		panic(err)
	}
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := d.Close(shutdown); err != nil {
			zap.L().Error("Failed to shut down cleanly", zap.Error(err))
		}
	}()

	if targets := viper.GetStringSlice("regenerate"); len(targets) > 0 {
		if err := regenerate(ctx, d, targets); err != nil {
			zap.L().Error("Regeneration failed", zap.Error(err))
		}
		return
	}

	serveMetrics(ctx)
}

// parseTarget splits table.column[:variant,...].
func parseTarget(s string) (string, record.Filter, error) {
	var f record.Filter

	target, variants, hasVariants := strings.Cut(s, ":")
	table, column, ok := strings.Cut(target, ".")
	if !ok || table == "" || column == "" {
		return "", f, fmt.Errorf("invalid target %q, expected table.column[:variant,...]", s)
	}
	f.Attributes = []string{column}

	if hasVariants {
		for _, k := range strings.Split(variants, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Variants = append(f.Variants, k)
			}
		}
		if len(f.Variants) == 0 {
			return "", f, fmt.Errorf("invalid target %q, no variants after ':'", s)
		}
	}
	return table, f, nil
}

func regenerate(ctx context.Context, d *internal.Deps, targets []string) error {
	for _, t := range targets {
		table, f, err := parseTarget(t)
		if err != nil {
			return err
		}

		n, err := d.Records.RegenerateTable(ctx, table, f)
		if err != nil {
			return err
		}
		zap.L().Info("Queued variant regeneration", zap.String("target", t), zap.Int("rows", n))
	}

	return d.Queue.Wait(ctx)
}

func serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              viper.GetString("metrics-addr"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	zap.L().Info("Metrics server starting", zap.String("addr", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Error("Metrics server stopped", zap.Error(err))
	}
}
