package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpBook/internal/errs"
	"PerpBook/internal/liquidation"
	"PerpBook/internal/math"
	"PerpBook/internal/observability"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// ServiceName is the gRPC health service name of the API.
const ServiceName = "perpbook.v1.Market"

const defaultDepthLevels = 20

// Market is the write side of a market engine.
type Market interface {
	PlaceLimitOrder(ctx context.Context, account uuid.UUID, side orderbook.Side, price math.Price, amount math.Amount) (uuid.UUID, error)
	PlaceMarketOrder(ctx context.Context, account uuid.UUID, side orderbook.Side, amount math.Amount, maxSlippageBps int64) (math.Amount, error)
	CancelOrder(ctx context.Context, account, orderID uuid.UUID) error
	Deposit(ctx context.Context, account uuid.UUID, amount math.Usd) error
	Withdraw(ctx context.Context, account uuid.UUID, amount math.Usd) error
	CheckAndLiquidate(ctx context.Context, liquidator, account, positionID uuid.UUID) (liquidation.Outcome, error)
	RunLiquidationSweep(ctx context.Context, batchSize int) (liquidation.SweepOutcome, error)
}

// API serves the market's HTTP/JSON routes. Quantities travel as decimal
// strings in both directions.
type API struct {
	market         Market
	queries        *query.QueryService
	keeper         uuid.UUID
	sweepBatchSize int
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewAPI builds the route set. keeper is the liquidator used when a check
// request names none; sweepBatchSize is the default sweep window.
func NewAPI(market Market, queries *query.QueryService, keeper uuid.UUID, sweepBatchSize int, metrics *observability.Metrics, logger zerolog.Logger) *API {
	return &API{
		market:         market,
		queries:        queries,
		keeper:         keeper,
		sweepBatchSize: sweepBatchSize,
		metrics:        metrics,
		logger:         logger,
	}
}

type route struct {
	method  string
	pattern string
	name    string
	handle  func(r *http.Request, params map[string]string) (interface{}, int, error)
}

// Register attaches every route to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []route{
		{"POST", "/v1/orders/limit", "place_limit_order", a.placeLimit},
		{"POST", "/v1/orders/market", "place_market_order", a.placeMarket},
		{"DELETE", "/v1/orders/{order_id}", "cancel_order", a.cancel},
		{"POST", "/v1/accounts/{account}/deposit", "deposit", a.deposit},
		{"POST", "/v1/accounts/{account}/withdraw", "withdraw", a.withdraw},
		{"GET", "/v1/accounts/{account}", "get_account", a.account},
		{"GET", "/v1/accounts/{account}/journals", "list_journals", a.journals},
		{"GET", "/v1/book/depth", "get_order_book_depth", a.depth},
		{"GET", "/v1/positions/{account}/{position_id}", "get_position", a.position},
		{"POST", "/v1/liquidations/check", "check_and_liquidate", a.checkAndLiquidate},
		{"POST", "/v1/liquidations/sweep", "run_liquidation_sweep", a.sweep},
		{"GET", "/v1/liquidations", "list_liquidations", a.liquidations},
		{"GET", "/v1/socializations", "list_socializations", a.socializations},
		{"GET", "/v1/admin/verify", "verify_chain", a.verify},
		{"GET", "/v1/admin/status", "market_status", a.status},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(mux, rt)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *API) instrument(mux *runtime.ServeMux, rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, code, err := rt.handle(r, params)
		if err != nil {
			herr := httpError(err)
			code = statusOf(herr)
			if code >= http.StatusInternalServerError {
				a.logger.Error().Err(err).Str("route", rt.name).Msg("request failed")
			}
			_, outbound := runtime.MarshalerForRequest(mux, r)
			runtime.HTTPError(r.Context(), mux, outbound, w, r, herr)
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			if err := json.NewEncoder(w).Encode(body); err != nil {
				a.logger.Warn().Err(err).Str("route", rt.name).Msg("encode response")
			}
		}

		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(rt.name, strconv.Itoa(code)).Inc()
			a.metrics.QueryDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
	}
}

// statusOf mirrors the gateway's status selection for metrics.
func statusOf(err error) int {
	if he, ok := err.(*runtime.HTTPStatusError); ok {
		return he.HTTPStatus
	}
	return runtime.HTTPStatusFromCode(Code(err))
}

// ============================================================================
// Orders
// ============================================================================

type limitOrderRequest struct {
	Account string `json:"account"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Amount  string `json:"amount"`
}

type marketOrderRequest struct {
	Account        string `json:"account"`
	Side           string `json:"side"`
	Amount         string `json:"amount"`
	MaxSlippageBps int64  `json:"max_slippage_bps"`
}

func (a *API) placeLimit(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var req limitOrderRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	var p parser
	account := p.uuid("account", req.Account)
	side := p.side(req.Side)
	price := p.price("price", req.Price)
	amount := p.amount("amount", req.Amount)
	if p.err != nil {
		return nil, 0, p.err
	}

	id, err := a.market.PlaceLimitOrder(r.Context(), account, side, price, amount)
	if err != nil {
		return nil, 0, err
	}
	return map[string]string{"order_id": id.String()}, http.StatusCreated, nil
}

func (a *API) placeMarket(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var req marketOrderRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	var p parser
	account := p.uuid("account", req.Account)
	side := p.side(req.Side)
	amount := p.amount("amount", req.Amount)
	if p.err != nil {
		return nil, 0, p.err
	}

	filled, err := a.market.PlaceMarketOrder(r.Context(), account, side, amount, req.MaxSlippageBps)
	if err != nil {
		return nil, 0, err
	}
	return map[string]string{"filled": filled.String()}, http.StatusOK, nil
}

func (a *API) cancel(r *http.Request, params map[string]string) (interface{}, int, error) {
	var p parser
	orderID := p.uuid("order_id", params["order_id"])
	account := p.uuid("account", r.URL.Query().Get("account"))
	if p.err != nil {
		return nil, 0, p.err
	}
	if err := a.market.CancelOrder(r.Context(), account, orderID); err != nil {
		return nil, 0, err
	}
	return map[string]string{"order_id": orderID.String(), "status": "cancelled"}, http.StatusOK, nil
}

// ============================================================================
// Funds and accounts
// ============================================================================

type transferRequest struct {
	Amount string `json:"amount"`
}

func (a *API) deposit(r *http.Request, params map[string]string) (interface{}, int, error) {
	return a.transfer(r, params, a.market.Deposit)
}

func (a *API) withdraw(r *http.Request, params map[string]string) (interface{}, int, error) {
	return a.transfer(r, params, a.market.Withdraw)
}

func (a *API) transfer(r *http.Request, params map[string]string, move func(context.Context, uuid.UUID, math.Usd) error) (interface{}, int, error) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	var p parser
	account := p.uuid("account", params["account"])
	amount := p.usd("amount", req.Amount)
	if p.err != nil {
		return nil, 0, p.err
	}
	if err := move(r.Context(), account, amount); err != nil {
		return nil, 0, err
	}
	resp, err := a.queries.Account(account)
	if err != nil {
		return nil, 0, err
	}
	return resp, http.StatusOK, nil
}

func (a *API) account(r *http.Request, params map[string]string) (interface{}, int, error) {
	var p parser
	account := p.uuid("account", params["account"])
	if p.err != nil {
		return nil, 0, p.err
	}
	resp, err := a.queries.Account(account)
	if err != nil {
		return nil, 0, err
	}
	return resp, http.StatusOK, nil
}

func (a *API) journals(r *http.Request, params map[string]string) (interface{}, int, error) {
	var p parser
	account := p.uuid("account", params["account"])
	page := p.page(r)
	if p.err != nil {
		return nil, 0, p.err
	}
	entries, err := a.queries.JournalHistory(r.Context(), account, page)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"journals": entries}, http.StatusOK, nil
}

// ============================================================================
// Book and positions
// ============================================================================

func (a *API) depth(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var p parser
	levels := p.integer("levels", r.URL.Query().Get("levels"), defaultDepthLevels)
	if p.err != nil {
		return nil, 0, p.err
	}
	resp, err := a.queries.Depth(levels)
	if err != nil {
		return nil, 0, err
	}
	return resp, http.StatusOK, nil
}

func (a *API) position(r *http.Request, params map[string]string) (interface{}, int, error) {
	var p parser
	account := p.uuid("account", params["account"])
	positionID := p.uuid("position_id", params["position_id"])
	if p.err != nil {
		return nil, 0, p.err
	}
	resp, err := a.queries.Position(account, positionID)
	if err != nil {
		return nil, 0, err
	}
	return resp, http.StatusOK, nil
}

// ============================================================================
// Liquidations
// ============================================================================

type checkRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
	PositionID string `json:"position_id"`
}

type sweepRequest struct {
	BatchSize int `json:"batch_size"`
}

func (a *API) checkAndLiquidate(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var req checkRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	var p parser
	liquidator := a.keeper
	if req.Liquidator != "" {
		liquidator = p.uuid("liquidator", req.Liquidator)
	}
	account := p.uuid("account", req.Account)
	positionID := p.uuid("position_id", req.PositionID)
	if p.err != nil {
		return nil, 0, p.err
	}

	outcome, err := a.market.CheckAndLiquidate(r.Context(), liquidator, account, positionID)
	if err != nil {
		return nil, 0, err
	}
	return outcome, http.StatusOK, nil
}

func (a *API) sweep(r *http.Request, _ map[string]string) (interface{}, int, error) {
	req := sweepRequest{BatchSize: a.sweepBatchSize}
	// An empty body sweeps with the configured batch size.
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	if req.BatchSize <= 0 {
		return nil, 0, fmt.Errorf("%w: batch_size must be positive", errs.ErrInvalidInput)
	}
	outcome, err := a.market.RunLiquidationSweep(r.Context(), req.BatchSize)
	if err != nil {
		return nil, 0, err
	}
	return outcome, http.StatusOK, nil
}

func (a *API) liquidations(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var p parser
	var account *uuid.UUID
	if s := r.URL.Query().Get("account"); s != "" {
		id := p.uuid("account", s)
		account = &id
	}
	page := p.page(r)
	if p.err != nil {
		return nil, 0, p.err
	}
	records, err := a.queries.LiquidationHistory(r.Context(), account, page)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"liquidations": records}, http.StatusOK, nil
}

func (a *API) socializations(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var p parser
	page := p.page(r)
	if p.err != nil {
		return nil, 0, p.err
	}
	records, err := a.queries.SocializationHistory(r.Context(), page)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"socializations": records}, http.StatusOK, nil
}

// ============================================================================
// Admin
// ============================================================================

func (a *API) verify(r *http.Request, _ map[string]string) (interface{}, int, error) {
	report, err := a.queries.VerifyChain(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return report, http.StatusOK, nil
}

func (a *API) status(r *http.Request, _ map[string]string) (interface{}, int, error) {
	return a.queries.Status(), http.StatusOK, nil
}

// ============================================================================
// Request parsing
// ============================================================================

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %w", errs.ErrInvalidInput, err)
	}
	return nil
}

// parser accumulates the first field error of a request.
type parser struct {
	err error
}

func (p *parser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", errs.ErrInvalidInput, field, err)
	}
}

func (p *parser) uuid(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err)
	}
	return id
}

func (p *parser) side(s string) orderbook.Side {
	side, err := orderbook.ParseSide(s)
	if err != nil {
		p.fail("side", err)
	}
	return side
}

func (p *parser) price(field, s string) math.Price {
	v, err := math.ParsePrice(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) amount(field, s string) math.Amount {
	v, err := math.ParseAmount(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) usd(field, s string) math.Usd {
	v, err := math.ParseUsd(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *parser) integer(field, s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(field, err)
	}
	return n
}

func (p *parser) page(r *http.Request) query.Page {
	q := r.URL.Query()
	page := query.Page{Limit: p.integer("limit", q.Get("limit"), 0)}
	if s := q.Get("before"); s != "" {
		before, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			p.fail("before", err)
		}
		page.Before = before
	}
	return page
}
