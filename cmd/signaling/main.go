// Command signaling runs S: the GB/T 28181 SIP signaling node. It owns
// the SIP transport, the device/session and stream registries, the
// transaction table, and the REST surface a video-platform front end
// drives playback and control through.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gb28181/vms/internal/httpapi/signaling"
	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/metrics"
	"github.com/gb28181/vms/internal/sip/antireplay"
	"github.com/gb28181/vms/internal/sip/devicedir"
	"github.com/gb28181/vms/internal/sip/handler"
	"github.com/gb28181/vms/internal/sip/message"
	"github.com/gb28181/vms/internal/sip/registry"
	"github.com/gb28181/vms/internal/sip/transaction"
	"github.com/gb28181/vms/internal/sip/transport"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
	"github.com/gb28181/vms/internal/store/sqlstore"
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
	log := logging.WithComponent(logging.Logger(), "cmd.signaling")

	st, err := sqlstore.Open(cfg.dsn)
	if err != nil {
		log.Error().Err(err).Msg("open store")
		os.Exit(1)
	}
	defer st.Close()

	nodes := newMediaNodeTable(cfg.nodes)
	creds := make(map[string]devicedir.Credential, len(cfg.devices))
	for _, d := range cfg.devices {
		creds[d.deviceID] = devicedir.Credential{Password: d.password, RequireAuth: d.requireAuth}
	}
	dir := devicedir.New(creds, st, cfg.domain)

	sessions := registry.New(func(sess *registry.Session) {
		if err := dir.SetOnline(sess.DeviceID, false); err != nil {
			log.Warn().Err(err).Str("device_id", sess.DeviceID).Msg("mark device offline on expiry")
		}
	})
	streams := streamreg.New()
	replay := antireplay.New()
	mtx := metrics.New("signaling")

	sipTransport, err := transport.New(cfg.sipUDP, cfg.sipTCP, 4096)
	if err != nil {
		log.Error().Err(err).Msg("start sip transport")
		os.Exit(1)
	}

	txns := transaction.New(signaling.TransportSender{T: sipTransport})

	h := handler.New(handler.Config{
		Realm:    cfg.realm,
		Domain:   cfg.domain,
		LocalURI: cfg.localURI,
	}, sessions, streams, dir, nodes, sipTransport)

	tokens := signaling.StaticTokens{}
	for _, t := range cfg.tokens {
		tokens[t] = struct{}{}
	}

	restServer := signaling.New(signaling.Config{
		Domain:      cfg.domain,
		Realm:       cfg.realm,
		LocalURI:    cfg.localURI,
		LocalSentBy: cfg.sentBy,
	}, sessions, streams, txns, signaling.TransportSender{T: sipTransport}, nodes, st, tokens)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	go sessions.Run(gctx)
	go h.Run(gctx)
	go replay.Run(gctx)
	go txns.Run(gctx)

	sipTransport.Start()
	group.Go(func() error {
		dispatchLoop(gctx, sipTransport, replay, h, txns, mtx, log)
		return nil
	})
	group.Go(func() error {
		reportGaugesLoop(gctx, sessions, txns, mtx)
		return nil
	})

	mux := signaling.NewMux(restServer)
	mux.Handle("/metrics", mtx.Handler())
	httpSrv := &http.Server{Addr: cfg.httpAddr, Handler: mux}
	group.Go(func() error {
		log.Info().Str("addr", cfg.httpAddr).Msg("rest api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = sipTransport.Close()

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("signaling shutdown error")
	}
}

// dispatchLoop is S's SIP message pump: parse each inbound datagram/frame,
// apply the anti-replay policy, then route requests to h and responses to
// txns. Grounded on the teacher's per-connection read-loop shape
// (server.go's accept+dispatch loop), generalized from a single TCP
// stream to transport.Transport's unified inbound channel carrying both
// UDP datagrams and TCP frames.
func dispatchLoop(ctx context.Context, t *transport.Transport, replay *antireplay.Cache, h *handler.Handler, txns *transaction.Table, mtx *metrics.Registry, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-t.Inbound():
			if !ok {
				return
			}
			if in.Event != transport.EventNone || len(in.Data) == 0 {
				continue
			}
			msg, err := message.Parse(in.Data)
			if err != nil {
				log.Debug().Err(err).Str("remote", in.Association.RemoteAddr).Msg("sip parse failed")
				continue
			}
			if !msg.IsRequest() {
				txns.HandleResponse(msg)
				continue
			}
			dispatchRequest(t, replay, h, msg, in.Association, mtx, log)
		}
	}
}

func dispatchRequest(t *transport.Transport, replay *antireplay.Cache, h *handler.Handler, req *message.Message, assoc transport.Association, mtx *metrics.Registry, log zerolog.Logger) {
	policy, ttl := antireplay.PolicyFor(req)
	key := req.AntiReplayKey(assoc.RemoteAddr)
	verdict, cached, copies := replay.Check(key, policy, ttl)

	switch verdict {
	case antireplay.Drop:
		mtx.AntiReplayHits.WithLabelValues("drop").Inc()
		return
	case antireplay.RespondWithCached:
		mtx.AntiReplayHits.WithLabelValues("cached").Inc()
		for i := 0; i < copies; i++ {
			if err := t.Send(assoc, cached); err != nil {
				log.Warn().Err(err).Msg("resend cached anti-replay response failed")
			}
		}
		return
	}
	mtx.AntiReplayHits.WithLabelValues("process").Inc()

	resp := h.Handle(req, assoc)
	if resp == nil {
		return
	}
	raw := resp.Encode()
	if err := t.Send(assoc, raw); err != nil {
		log.Warn().Err(err).Str("device_id", req.From.URI).Msg("send response failed")
		return
	}
	if policy == antireplay.Loose {
		replay.StoreResponse(key, raw)
	}
}

// reportGaugesLoop periodically samples the session and transaction table
// sizes into mtx's gauges, since neither table pushes change events.
func reportGaugesLoop(ctx context.Context, sessions *registry.Registry, txns *transaction.Table, mtx *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mtx.SIPSessionsActive.Set(float64(sessions.Len()))
			mtx.SIPTransactionsOpen.Set(float64(txns.Len()))
		}
	}
}
