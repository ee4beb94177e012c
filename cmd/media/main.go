// Command media runs M: the GB/T 28181 media node. It owns the RTP/RTCP
// ingest transport, the per-ssrc session registry and pipeline engine,
// and the HTTP surface a device is armed onto (/listen/ssrc) and viewers
// join streams through (/{node}/play/{stream_id}.flv).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gb28181/vms/internal/hooks"
	"github.com/gb28181/vms/internal/httpapi/media"
	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/media/ingest"
	"github.com/gb28181/vms/internal/media/session"
	"github.com/gb28181/vms/internal/metrics"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logging.Init()
	if err := logging.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level: %v\n", err)
	}
	log := logging.WithComponent(logging.Logger(), "cmd.media")

	hooksClient := hooks.NewClient(hooks.Config{PeerBaseURL: cfg.signalingBaseURL})
	defer hooksClient.Close()

	hookPort := media.NewHookPort(hooksClient)
	registry := session.New(cfg.nodeName, hookPort)
	engine := ingest.NewEngine(registry)
	hookPort.BindEngine(engine)

	mtx := metrics.New("media")

	rtpTransport, err := ingest.NewTransport(cfg.rtpUDP, cfg.rtpTCP, 4096)
	if err != nil {
		log.Error().Err(err).Msg("start rtp transport")
		os.Exit(1)
	}

	httpServer := media.New(media.Config{NodeName: cfg.nodeName}, registry, engine, hooksClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	go registry.Run(gctx)
	rtpTransport.Start()
	group.Go(func() error {
		engine.Run(rtpTransport)
		return nil
	})

	mux := media.NewMux(httpServer)
	mux.Handle("/metrics", mtx.Handler())
	httpSrv := &http.Server{Addr: cfg.httpAddr, Handler: mux}
	group.Go(func() error {
		log.Info().Str("addr", cfg.httpAddr).Str("node", cfg.nodeName).Msg("media http surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		reportGaugesLoop(gctx, registry, mtx)
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = rtpTransport.Close()

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("media shutdown error")
	}
}

// reportGaugesLoop periodically samples the ssrc registry size into mtx's
// gauge, since the registry has no change-event hook of its own.
func reportGaugesLoop(ctx context.Context, registry *session.Registry, mtx *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mtx.MediaSessionsActive.Set(float64(registry.Len()))
		}
	}
}
