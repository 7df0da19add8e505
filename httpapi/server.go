// Package httpapi is the HTTP surface: bid placement, deposit authorization,
// settlement and reconciliation triggers, the processor webhook, settings
// administration and operational endpoints.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/bidding"
	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/deposits"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/reconcile"
	"github.com/lotline-io/openlot/settings"
	"github.com/lotline-io/openlot/settlement"
)

const maxBodyBytes = 1 << 16

// Default rate limits per route. Bid placement is the hot path; everything
// else rides the default.
const (
	defaultBidLimit    = 30
	defaultRouteLimit  = 10
	defaultLimitWindow = time.Minute
)

// Limits configures the per-identity fixed windows. Zero fields fall back to
// the defaults.
type Limits struct {
	BidsPerWindow  int
	OtherPerWindow int
	Window         time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.BidsPerWindow <= 0 {
		l.BidsPerWindow = defaultBidLimit
	}
	if l.OtherPerWindow <= 0 {
		l.OtherPerWindow = defaultRouteLimit
	}
	if l.Window <= 0 {
		l.Window = defaultLimitWindow
	}
	return l
}

// Server wires the domain collaborators into a mux router.
type Server struct {
	acceptor   *bidding.Acceptor
	authorizer *deposits.Authorizer
	engine     *settlement.Engine
	sweeper    *reconcile.Sweeper
	webhook    *reconcile.Webhook
	provider   *settings.Provider
	auth       Auth
	limiter    Limiter
	limits     Limits
	logger     *slog.Logger
}

func NewServer(
	acceptor *bidding.Acceptor,
	authorizer *deposits.Authorizer,
	engine *settlement.Engine,
	sweeper *reconcile.Sweeper,
	webhook *reconcile.Webhook,
	provider *settings.Provider,
	auth Auth,
	limiter Limiter,
	limits Limits,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	return &Server{
		acceptor:   acceptor,
		authorizer: authorizer,
		engine:     engine,
		sweeper:    sweeper,
		webhook:    webhook,
		provider:   provider,
		auth:       auth,
		limiter:    limiter,
		limits:     limits.withDefaults(),
		logger:     logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auctions/{id}/state", s.handleAuctionState).Methods(http.MethodGet)
	r.HandleFunc("/v1/auctions/{id}/bids",
		s.auth.requireUser(s.rateLimit("bids", s.limits.BidsPerWindow, s.limits.Window, s.handlePlaceBid))).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions/{id}/deposit",
		s.auth.requireUser(s.rateLimit("deposit", s.limits.OtherPerWindow, s.limits.Window, s.handleAuthorizeDeposit))).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions/{id}/deposit",
		s.auth.requireUser(s.handleDepositStatus)).Methods(http.MethodGet)

	r.HandleFunc("/v1/deposits/{id}/actions",
		s.auth.requireAdmin(s.handleDepositAction)).Methods(http.MethodPost)
	r.HandleFunc("/v1/settlement/run",
		s.auth.requireAdmin(s.handleSettlementRun)).Methods(http.MethodPost)
	r.HandleFunc("/v1/reconcile/run",
		s.auth.requireAdmin(s.handleReconcileRun)).Methods(http.MethodPost)
	r.HandleFunc("/v1/settings/{key}",
		s.auth.requireAdmin(s.rateLimit("settings", s.limits.OtherPerWindow, s.limits.Window, s.handlePutSetting))).Methods(http.MethodPut)

	r.HandleFunc("/v1/webhooks/payments", s.handleWebhook).Methods(http.MethodPost)

	return r
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fault.Validation("bad_id", "malformed %s in path", name)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("bad_body", "malformed request body")
	}
	return nil
}

type stateResponse struct {
	HasStarted     bool   `json:"has_started"`
	HasEnded       bool   `json:"has_ended"`
	IsActive       bool   `json:"is_active"`
	TimeLeftMS     int64  `json:"time_left_ms"`
	CurrentHighBid string `json:"current_high_bid_cad"`
	MinNextBid     string `json:"min_next_bid_cad"`
	TotalBids      int    `json:"total_bids"`
}

func (s *Server) handleAuctionState(w http.ResponseWriter, r *http.Request) {
	auctionID, err := pathUUID(r, "id")
	if err != nil {
		writeFault(w, err)
		return
	}
	state, err := s.acceptor.State(r.Context(), auctionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		HasStarted:     state.HasStarted,
		HasEnded:       state.HasEnded,
		IsActive:       state.IsActive,
		TimeLeftMS:     state.TimeLeft.Milliseconds(),
		CurrentHighBid: state.CurrentHighBid.StringFixed(2),
		MinNextBid:     state.MinNextBid.StringFixed(2),
		TotalBids:      state.TotalBids,
	})
}

type placeBidRequest struct {
	AmountCAD string `json:"amount_cad"`
}

type placeBidResponse struct {
	BidID             uuid.UUID     `json:"bid_id"`
	AmountCAD         string        `json:"amount_cad"`
	SoftCloseExtended bool          `json:"soft_close_extended"`
	NewEndTime        *time.Time    `json:"new_end_time,omitempty"`
	State             stateResponse `json:"state"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID, err := pathUUID(r, "id")
	if err != nil {
		writeFault(w, err)
		return
	}
	var req placeBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.AmountCAD)
	if err != nil {
		writeFault(w, fault.Validation("bid_amount", "amount_cad must be a decimal string"))
		return
	}
	id, _ := identityFrom(r.Context())

	placement, err := s.acceptor.PlaceBid(r.Context(), auctionID, id.UserID, amount)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeBidResponse{
		BidID:             placement.Bid.ID,
		AmountCAD:         placement.Bid.AmountCAD.StringFixed(2),
		SoftCloseExtended: placement.SoftCloseExtended,
		NewEndTime:        placement.NewEndTime,
		State: stateResponse{
			HasStarted:     placement.State.HasStarted,
			HasEnded:       placement.State.HasEnded,
			IsActive:       placement.State.IsActive,
			TimeLeftMS:     placement.State.TimeLeft.Milliseconds(),
			CurrentHighBid: placement.State.CurrentHighBid.StringFixed(2),
			MinNextBid:     placement.State.MinNextBid.StringFixed(2),
			TotalBids:      placement.State.TotalBids,
		},
	})
}

type depositStatusResponse struct {
	HasDeposit bool             `json:"has_deposit"`
	Authorized bool             `json:"authorized"`
	Deposit    *depositResponse `json:"deposit,omitempty"`
}

type depositResponse struct {
	DepositID    uuid.UUID `json:"deposit_id"`
	ProcessorRef string    `json:"processor_ref,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AmountCAD    string    `json:"amount_cad"`
	Status       string    `json:"status"`
}

func (s *Server) handleAuthorizeDeposit(w http.ResponseWriter, r *http.Request) {
	auctionID, err := pathUUID(r, "id")
	if err != nil {
		writeFault(w, err)
		return
	}
	id, _ := identityFrom(r.Context())

	auth, err := s.authorizer.Authorize(r.Context(), id.UserID, auctionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, depositResponse{
		DepositID:    auth.DepositID,
		ProcessorRef: auth.ProcessorRef,
		ClientSecret: auth.ClientSecret,
		AmountCAD:    auth.AmountCAD.StringFixed(2),
		Status:       string(auth.Status),
	})
}

func (s *Server) handleDepositStatus(w http.ResponseWriter, r *http.Request) {
	auctionID, err := pathUUID(r, "id")
	if err != nil {
		writeFault(w, err)
		return
	}
	id, _ := identityFrom(r.Context())

	deposit, found, err := s.authorizer.Status(r.Context(), id.UserID, auctionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, depositStatusResponse{HasDeposit: false})
		return
	}
	// The client secret is only returned at creation time.
	writeJSON(w, http.StatusOK, depositStatusResponse{
		HasDeposit: true,
		Authorized: deposit.Status == core.DepositAuthorized || deposit.Status == core.DepositCaptured,
		Deposit: &depositResponse{
			DepositID:    deposit.ID,
			ProcessorRef: deposit.ProcessorRef,
			AmountCAD:    deposit.AmountCAD.StringFixed(2),
			Status:       string(deposit.Status),
		},
	})
}

type depositActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleDepositAction(w http.ResponseWriter, r *http.Request) {
	depositID, err := pathUUID(r, "id")
	if err != nil {
		writeFault(w, err)
		return
	}
	var req depositActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	action, err := deposits.ParseAction(req.Action)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := s.authorizer.Apply(r.Context(), action, depositID); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"deposit_id": depositID.String(),
		"action":     action.String(),
	})
}

type settlementRunRequest struct {
	AuctionID *uuid.UUID `json:"auction_id,omitempty"`
}

func (s *Server) handleSettlementRun(w http.ResponseWriter, r *http.Request) {
	var req settlementRunRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
	}
	result, err := s.engine.Run(r.Context(), req.AuctionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.sweeper.Run(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req putSettingRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.provider.Set(r.Context(), key, req.Value); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// handleWebhook acknowledges with 2xx only after the event has been applied
// and durably recorded; any failure returns non-2xx so the processor
// redelivers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFault(w, fault.Validation("bad_body", "unreadable webhook payload"))
		return
	}
	disposition, err := s.webhook.Handle(r.Context(), payload, r.Header.Get("Lotline-Signature"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"disposition": string(disposition)})
}
