package server_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PerpBook/internal/core"
	"PerpBook/internal/custody"
	"PerpBook/internal/errs"
	"PerpBook/internal/observability"
	"PerpBook/internal/pricefeed"
	"PerpBook/internal/query"
	"PerpBook/internal/server"
	"PerpBook/internal/state"
	"PerpBook/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

const market = "ETH-USD-PERP"

type env struct {
	t      *testing.T
	srv    *httptest.Server
	grpc   *server.GRPCServer
	prices *pricefeed.Store
	engine *core.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	prices := pricefeed.NewStore(0)
	engine, err := core.NewEngine(core.Config{
		MarketID: market,
		Risk:     state.DefaultRiskParams(market),
	}, core.Deps{
		Prices:    prices,
		Custodian: custody.NewMemory(),
		Logger:    zerolog.Nop(),
		Clock:     func() time.Time { return time.UnixMicro(1_700_000_000_000_000) },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	api := server.NewAPI(engine, query.NewQueryService(nil, engine), uuid.New(), 64, nil, zerolog.Nop())
	gs := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", api, observability.NewHealthChecker(), zerolog.Nop())
	handler, err := gs.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &env{t: t, srv: srv, grpc: gs, prices: prices, engine: engine}
}

func (e *env) do(method, path string, body interface{}) (int, map[string]interface{}) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (e *env) deposit(account uuid.UUID, amount string) {
	e.t.Helper()
	code, body := e.do("POST", fmt.Sprintf("/v1/accounts/%s/deposit", account), map[string]string{"amount": amount})
	if code != http.StatusOK {
		e.t.Fatalf("deposit: status %d body %v", code, body)
	}
}

func (e *env) limit(account uuid.UUID, side, price, amount string) (int, map[string]interface{}) {
	e.t.Helper()
	return e.do("POST", "/v1/orders/limit", map[string]string{
		"account": account.String(), "side": side, "price": price, "amount": amount,
	})
}

// ============================================================================
// Orders and accounts
// ============================================================================

func TestLimitOrder_RestsAndShowsOnAccount(t *testing.T) {
	e := newEnv(t)
	alice := uuid.New()
	e.deposit(alice, "5000")

	code, body := e.limit(alice, "buy", "2000.5", "2")
	if code != http.StatusCreated {
		t.Fatalf("limit: status %d body %v", code, body)
	}

	code, acct := e.do("GET", "/v1/accounts/"+alice.String(), nil)
	if code != http.StatusOK {
		t.Fatalf("account: status %d", code)
	}
	if got := acct["reserved"]; got != "4001" {
		t.Errorf("reserved: got %v, want \"4001\"", got)
	}
	if got := acct["available"]; got != "999" {
		t.Errorf("available: got %v, want \"999\"", got)
	}
	orders, _ := acct["orders"].([]interface{})
	if len(orders) != 1 {
		t.Fatalf("orders: got %d, want 1", len(orders))
	}
	if id := orders[0].(map[string]interface{})["order_id"]; id != body["order_id"] {
		t.Errorf("order id: got %v, want %v", id, body["order_id"])
	}

	code, depth := e.do("GET", "/v1/book/depth?levels=5", nil)
	if code != http.StatusOK {
		t.Fatalf("depth: status %d", code)
	}
	bids, _ := depth["bids"].([]interface{})
	if len(bids) != 1 || bids[0].(map[string]interface{})["price"] != "2000.5" {
		t.Errorf("bids: got %v, want one level at 2000.5", bids)
	}
}

func TestErrors_MapToHTTPStatus(t *testing.T) {
	e := newEnv(t)
	alice, bob := uuid.New(), uuid.New()
	e.deposit(alice, "100")

	code, body := e.limit(alice, "buy", "2000", "1")
	if code != http.StatusConflict {
		t.Errorf("insufficient collateral: got %d, want 409", code)
	}
	if got := body["code"]; got != float64(codes.FailedPrecondition) {
		t.Errorf("rpc code: got %v, want %d", got, codes.FailedPrecondition)
	}

	if code, _ := e.limit(alice, "sideways", "2000", "1"); code != http.StatusBadRequest {
		t.Errorf("bad side: got %d, want 400", code)
	}
	if code, _ := e.limit(alice, "buy", "2000.0000001", "1"); code != http.StatusBadRequest {
		t.Errorf("over-precise price: got %d, want 400", code)
	}

	code, _ = e.do("DELETE", fmt.Sprintf("/v1/orders/%s?account=%s", uuid.New(), alice), nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown order: got %d, want 404", code)
	}

	e.deposit(alice, "1000")
	_, placed := e.limit(alice, "buy", "100", "1")
	orderID := placed["order_id"].(string)
	code, _ = e.do("DELETE", fmt.Sprintf("/v1/orders/%s?account=%s", orderID, bob), nil)
	if code != http.StatusForbidden {
		t.Errorf("foreign cancel: got %d, want 403", code)
	}
	code, _ = e.do("DELETE", fmt.Sprintf("/v1/orders/%s?account=%s", orderID, alice), nil)
	if code != http.StatusOK {
		t.Errorf("own cancel: got %d, want 200", code)
	}

	code, _ = e.do("GET", fmt.Sprintf("/v1/positions/%s/%s", alice, uuid.New()), nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown position: got %d, want 404", code)
	}
}

// ============================================================================
// Liquidations
// ============================================================================

func TestCheckAndLiquidate_HealthyPositionIsRejected(t *testing.T) {
	e := newEnv(t)
	seller, buyer := uuid.New(), uuid.New()
	e.deposit(seller, "3000")
	e.deposit(buyer, "2000")
	e.limit(seller, "sell", "2000", "1")
	e.limit(buyer, "buy", "2000", "1")
	if _, err := e.prices.Update(market, testutil.Price("2000"), 1, 1); err != nil {
		t.Fatalf("price: %v", err)
	}

	pos := e.engine.Snapshot().Positions[buyer]
	if pos == nil {
		t.Fatal("expected buyer position")
	}
	code, body := e.do("POST", "/v1/liquidations/check", map[string]string{
		"account": buyer.String(), "position_id": pos.ID.String(),
	})
	if code != http.StatusConflict {
		t.Errorf("healthy position: got %d body %v, want 409", code, body)
	}

	code, sweep := e.do("POST", "/v1/liquidations/sweep", nil)
	if code != http.StatusOK {
		t.Fatalf("sweep: status %d body %v", code, sweep)
	}
	if got := sweep["tracked"]; got != float64(2) {
		t.Errorf("tracked: got %v, want 2", got)
	}
}

// ============================================================================
// Health
// ============================================================================

func TestReadiness_FollowsSetReady(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d, want 503", resp.StatusCode)
	}

	e.grpc.SetReady(true)
	resp, err = http.Get(e.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after ready: got %d, want 200", resp.StatusCode)
	}
}

func TestCode_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errs.ErrInvalidInput, codes.InvalidArgument},
		{fmt.Errorf("%w: short", errs.ErrInsufficientCollateral), codes.FailedPrecondition},
		{errs.ErrNoLiquidity, codes.FailedPrecondition},
		{errs.ErrOrderNotFound, codes.NotFound},
		{errs.ErrNotOwner, codes.PermissionDenied},
		{errs.ErrReentrantLiquidation, codes.Aborted},
		{errs.ErrPriceUnavailable, codes.Unavailable},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		if got := server.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v): got %s, want %s", tt.err, got, tt.want)
		}
	}
}
