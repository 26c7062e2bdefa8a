// Package server wires the hub, the payout services and the metrics
// endpoint into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/watchmesh/watchtower/alert"
	"github.com/watchmesh/watchtower/config"
	"github.com/watchmesh/watchtower/hub"
	"github.com/watchmesh/watchtower/logging"
	"github.com/watchmesh/watchtower/payout"
	"github.com/watchmesh/watchtower/payout/chain"
	"github.com/watchmesh/watchtower/store"
)

type Server struct {
	cfg config.Config

	store   *store.Store
	hub     *hub.Hub
	payouts *payout.Service
	poller  *payout.Poller
	ledger  *chain.Client

	wsListener net.Listener
}

func New(ctx context.Context, cfg config.Config) (*Server, error) {
	logger := logging.FromContext(ctx)

	// Resolve the websocket listener.
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawWSListener)
	if err != nil {
		return nil, err
	}
	wsListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.DbDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	locator, err := hub.NewLocator(cfg.Hub.GeoEndpoint, cfg.Hub.GeoTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating locator: %w", err)
	}

	var notifier alert.Notifier
	if cfg.Alert.SMTPHost == "" {
		logger.Info("downtime alerting is disabled")
		notifier = alert.NewNoop()
	} else {
		notifier, err = alert.NewMailer(cfg.Alert)
		if err != nil {
			return nil, fmt.Errorf("creating mailer: %w", err)
		}
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		hub:        hub.New(cfg.Hub, st, locator, notifier),
		payouts:    payout.NewService(st),
		wsListener: wsListener,
	}

	if cfg.Chain.RPCHost == "" {
		logger.Info("payout reconciliation is disabled")
	} else {
		s.ledger, err = chain.New(cfg.Chain)
		if err != nil {
			return nil, fmt.Errorf("creating ledger client: %w", err)
		}
		s.poller = payout.NewPoller(cfg.Payout, st, s.ledger)
	}

	return s, nil
}

func (s *Server) Close() error {
	if s.ledger != nil {
		s.ledger.Close()
	}
	return s.store.Close()
}

// Addr returns the address the server is listening on for validator
// connections.
func (s *Server) Addr() net.Addr {
	return s.wsListener.Addr()
}

// Payouts returns the payout initiation surface consumed by the API
// layer.
func (s *Server) Payouts() *payout.Service {
	return s.payouts
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting coordination hub")
	serverGroup.Go(func() error {
		return s.hub.Run(ctx)
	})

	if s.poller != nil {
		logger.Info("starting reconciliation poller")
		serverGroup.Go(func() error {
			return s.poller.Run(ctx)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(logging.NewContext(r.Context(), logger))
		s.hub.ServeHTTP(w, r)
	})
	wsServer := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("websocket server listening on %s", s.wsListener.Addr())
		err := wsServer.Serve(s.wsListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsServer *http.Server
	if s.cfg.MetricsPort != nil {
		metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", *s.cfg.MetricsPort))
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		metricsServer = &http.Server{Handler: promhttp.Handler(), ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server listening on %s", metricsListener.Addr())
			err := metricsServer.Serve(metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown websocket server: %s", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
	}
	return nil
}
