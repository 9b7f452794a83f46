package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/observability"
	"LubaLedger/internal/persistence"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// serveMetrics runs a standalone /metrics listener until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// runPeriodicSnapshots takes a snapshot once interval events have been
// applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 10_000
	}

	lastSnapshotSeq := engine.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.GetSequence()-lastSnapshotSeq < interval {
				continue
			}
			seq, err := persistence.TakeSnapshot(ctx, engine, snapMgr, metrics)
			if err != nil {
				// Usually the log is still behind; the next tick retries.
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = seq + 1
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}

// sampleChannels reports channel fill levels every second.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
