// Package hub implements the validator coordination hub: it accepts
// long-lived validator connections, authenticates them with a
// challenge-response handshake, periodically fans uptime checks out to
// every connected validator for every active website, and correlates
// the signed replies back to the dispatch that issued them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchmesh/watchtower/alert"
	"github.com/watchmesh/watchtower/logging"
	"github.com/watchmesh/watchtower/metrics"
	"github.com/watchmesh/watchtower/signing"
	"github.com/watchmesh/watchtower/store"
	"github.com/watchmesh/watchtower/wire"
)

const notifyTimeout = 30 * time.Second

//nolint:lll
type Config struct {
	DispatchInterval time.Duration `long:"dispatch-interval" description:"The interval between dispatch rounds"`
	CallbackTTL      time.Duration `long:"callback-ttl"      description:"How long a dispatch callback waits for a reply before it is evicted"`
	SendTimeout      time.Duration `long:"send-timeout"      description:"Per-connection write deadline for outbound messages"`
	GeoTimeout       time.Duration `long:"geo-timeout"       description:"Timeout for the location lookup at first registration"`
	GeoEndpoint      string        `long:"geo-endpoint"      description:"Base URL of the IP geolocation service"`
	Reward           uint64        `long:"reward"            description:"Credit granted per accepted check result"`
}

func DefaultConfig() Config {
	return Config{
		DispatchInterval: time.Minute,
		CallbackTTL:      90 * time.Second,
		SendTimeout:      10 * time.Second,
		GeoTimeout:       5 * time.Second,
		Reward:           100,
	}
}

// Hub owns the connection registry and the callback correlator and
// runs the dispatch loop.
type Hub struct {
	cfg       Config
	store     *store.Store
	registry  *Registry
	callbacks *Correlator
	locator   Locator
	notifier  alert.Notifier
	upgrader  websocket.Upgrader
}

func New(cfg Config, st *store.Store, locator Locator, notifier alert.Notifier) *Hub {
	return &Hub{
		cfg:       cfg,
		store:     st,
		registry:  NewRegistry(),
		callbacks: NewCorrelator(),
		locator:   locator,
		notifier:  notifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket connection and serves
// its inbound messages until it closes. Each connection runs on its
// own goroutine, concurrently with the dispatch loop and with other
// connections.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx).Named("conn").With(zap.String("remote", r.RemoteAddr))
	ctx = logging.NewContext(ctx, logger)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws)
	defer func() {
		if h.registry.Deregister(conn) {
			metrics.SetConnectedValidators(h.registry.Len())
		}
		conn.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("connection closed", zap.Error(err))
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		switch env.Type {
		case wire.MsgSignup:
			h.handleSignup(ctx, conn, env.Data)
		case wire.MsgValidate:
			h.handleReply(ctx, env.Data)
		default:
			logger.Debug("dropping frame with unknown type", zap.String("type", string(env.Type)))
		}
	}
}

// handleSignup verifies the registration challenge, creates the
// validator on first contact and adds the connection to the registry.
// Unverified requests are dropped without a response on purpose: an
// error reply would hand probing peers a verification oracle.
func (h *Hub) handleSignup(ctx context.Context, conn *Conn, data json.RawMessage) {
	logger := logging.FromContext(ctx)
	var req wire.SignupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Debug("dropping malformed signup", zap.Error(err))
		return
	}
	challenge := signing.RegistrationChallenge(req.Token, req.PublicKey)
	if !signing.Verify(challenge, req.PublicKey, req.Signature) {
		logger.Debug("dropping unverified signup")
		return
	}

	v, err := h.store.ValidatorByKey(ctx, req.PublicKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		v = &store.Validator{
			ID:            uuid.NewString(),
			PubKey:        req.PublicKey,
			PayoutAddress: req.Address,
			IP:            req.IP,
			Location:      h.locate(ctx, req.IP),
			CreatedAt:     time.Now().Unix(),
		}
		if err := h.store.PutValidator(ctx, v); err != nil {
			logger.Error("failed to create validator", zap.Error(err))
			return
		}
		logger.Info("registered new validator", zap.String("id", v.ID), zap.String("location", v.Location))
	case err != nil:
		logger.Error("failed to look up validator", zap.Error(err))
		return
	case req.Address != "" && req.Address != v.PayoutAddress:
		v.PayoutAddress = req.Address
		if err := h.store.PutValidator(ctx, v); err != nil {
			logger.Error("failed to update payout address", zap.Error(err))
			return
		}
		logger.Info("updated validator payout address", zap.String("id", v.ID))
	}

	env, err := wire.NewEnvelope(wire.MsgSignup, &wire.SignupReply{Token: req.Token, ValidatorID: v.ID})
	if err != nil {
		logger.Error("failed to build signup reply", zap.Error(err))
		return
	}
	if err := conn.Send(env, h.cfg.SendTimeout); err != nil {
		logger.Debug("failed to send signup reply", zap.Error(err))
		return
	}
	h.registry.Register(Member{Conn: conn, ValidatorID: v.ID, PubKey: v.PubKey})
	metrics.SetConnectedValidators(h.registry.Len())
	logger.Debug("validator connected", zap.String("id", v.ID))
}

// locate resolves an approximate location for a fresh registration.
// Lookup failures are never fatal.
func (h *Hub) locate(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.GeoTimeout)
	defer cancel()
	loc, err := h.locator.Locate(ctx, ip)
	if err != nil {
		logging.FromContext(ctx).Debug("location lookup failed", zap.String("ip", ip), zap.Error(err))
		return UnknownLocation
	}
	if loc == "" {
		return UnknownLocation
	}
	return loc
}

func (h *Hub) handleReply(ctx context.Context, data json.RawMessage) {
	logger := logging.FromContext(ctx)
	var reply wire.ValidateReply
	if err := json.Unmarshal(data, &reply); err != nil {
		logger.Debug("dropping malformed validate reply", zap.Error(err))
		return
	}
	if !h.callbacks.Fire(reply.Token, &reply) {
		metrics.ObserveRejectedReply(metrics.ReasonUnknownToken)
		logger.Debug("dropping reply with unknown token", zap.String("token", reply.Token))
	}
}

// Run drives the periodic dispatch loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("hub")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting dispatch loop", zap.Duration("interval", h.cfg.DispatchInterval))

	ticker := time.NewTicker(h.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("dispatch loop shutting down")
			return nil
		case <-ticker.C:
			if evicted := h.callbacks.Sweep(h.cfg.CallbackTTL); evicted > 0 {
				metrics.AddExpiredCallbacks(evicted)
				logger.Debug("evicted expired callbacks", zap.Int("count", evicted))
			}
			if err := h.dispatch(ctx); err != nil {
				logger.Error("dispatch round failed", zap.Error(err))
			}
		}
	}
}

// dispatch sends a validate request to every connected validator for
// every active website. Sends run on their own goroutines so one slow
// or dead connection cannot delay the others; a failed send leaves its
// callback to the expiry sweep.
func (h *Hub) dispatch(ctx context.Context) error {
	websites, err := h.store.ActiveWebsites(ctx)
	if err != nil {
		return fmt.Errorf("listing active websites: %w", err)
	}
	members := h.registry.Snapshot()
	if len(websites) == 0 || len(members) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)
	logger.Debug("dispatching checks", zap.Int("websites", len(websites)), zap.Int("validators", len(members)))

	for _, website := range websites {
		for _, member := range members {
			token := uuid.NewString()
			h.callbacks.Register(token, h.resultCallback(ctx, website, member, token))
			env, err := wire.NewEnvelope(wire.MsgValidate, &wire.ValidateRequest{
				Token:     token,
				URL:       website.URL,
				WebsiteID: website.ID,
				Email:     website.Email,
			})
			if err != nil {
				logger.Error("failed to build validate request", zap.Error(err))
				continue
			}
			metrics.ObserveDispatch()
			go func(member Member) {
				if err := member.Conn.Send(env, h.cfg.SendTimeout); err != nil {
					logger.Debug("failed to send validate request",
						zap.String("validator", member.ValidatorID), zap.Error(err))
				}
			}(member)
		}
	}
	return nil
}

// resultCallback builds the continuation that consumes the reply to a
// single dispatch. The challenge is reconstructed from the hub's own
// record of the website URL, token and validator key; nothing carried
// in the reply is trusted for authentication.
func (h *Hub) resultCallback(ctx context.Context, website store.Website, member Member, token string) Callback {
	return func(reply *wire.ValidateReply) {
		logger := logging.FromContext(ctx).With(
			zap.String("website", website.ID),
			zap.String("validator", member.ValidatorID),
		)
		challenge := signing.ValidationChallenge(website.URL, token, member.PubKey)
		if !signing.Verify(challenge, member.PubKey, reply.Signature) {
			metrics.ObserveRejectedReply(metrics.ReasonBadSignature)
			logger.Debug("dropping reply with invalid signature")
			return
		}
		tick := &store.Tick{
			WebsiteID:   website.ID,
			ValidatorID: member.ValidatorID,
			Status:      string(reply.Status),
			LatencyMS:   reply.LatencyMS,
			CreatedAt:   time.Now().Unix(),
		}
		if err := h.store.RecordTick(ctx, tick, h.cfg.Reward); err != nil {
			logger.Error("failed to record tick", zap.Error(err))
			return
		}
		metrics.ObserveTick(string(reply.Status))
		logger.Debug("recorded tick", zap.String("status", string(reply.Status)), zap.Int64("latency_ms", reply.LatencyMS))

		if reply.Status == wire.StatusDown && website.Email != "" {
			go h.sendAlert(logger, website)
		}
	}
}

func (h *Hub) sendAlert(logger *zap.Logger, website store.Website) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	subject := fmt.Sprintf("Alert: %s is down", website.URL)
	body := fmt.Sprintf("Website %s is reporting status Down", website.URL)
	if err := h.notifier.Notify(ctx, website.Email, subject, body); err != nil {
		logger.Warn("failed to send downtime alert", zap.String("to", website.Email), zap.Error(err))
		return
	}
	logger.Info("sent downtime alert", zap.String("to", website.Email))
}
