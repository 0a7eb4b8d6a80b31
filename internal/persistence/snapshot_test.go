package persistence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PerpBook/internal/core"
	"PerpBook/internal/custody"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/persistence"
	"PerpBook/internal/pricefeed"
	"PerpBook/internal/state"
	"PerpBook/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newEngine(t *testing.T, persist chan core.Output) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(core.Config{
		MarketID: "ETH-USD-PERP",
		Risk:     state.DefaultRiskParams("ETH-USD-PERP"),
	}, core.Deps{
		Prices:    pricefeed.NewStore(0),
		Custodian: custody.NewMemory(),
		Logger:    zerolog.Nop(),
		Clock:     func() time.Time { return time.UnixMicro(1_700_000_000_000_000) },
		Persist:   persist,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func trade(t *testing.T, e *core.Engine) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	for _, acct := range []uuid.UUID{a, b} {
		if err := e.Deposit(ctx, acct, testutil.Usd("500")); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if _, err := e.PlaceLimitOrder(ctx, a, orderbook.SideBuy, testutil.Price("10"), testutil.Amount("3")); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := e.PlaceLimitOrder(ctx, a, orderbook.SideBuy, testutil.Price("10"), testutil.Amount("1")); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := e.PlaceLimitOrder(ctx, b, orderbook.SideSell, testutil.Price("10"), testutil.Amount("2")); err != nil {
		t.Fatalf("ask: %v", err)
	}
	return a, b
}

// ============================================================================
// Test: Snapshot encoding
// ============================================================================

func TestSnapshot_EncodeDecodeRestores(t *testing.T) {
	src := newEngine(t, nil)
	a, b := trade(t, src)

	data, err := persistence.EncodeSnapshot(src.CreateSnapshotState())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap, err := persistence.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	dst := newEngine(t, nil)
	if err := dst.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if dst.GetChainTip() != src.GetChainTip() {
		t.Error("chain tip changed")
	}
	for _, acct := range []uuid.UUID{a, b} {
		want := src.Snapshot().Accounts[acct]
		got := dst.Snapshot().Accounts[acct]
		if !got.Available.Equal(want.Available) || !got.Reserved.Equal(want.Reserved) || !got.Locked.Equal(want.Locked) {
			t.Errorf("account %s: got %+v, want %+v", acct, got, want)
		}
	}

	// The remaining bids keep their FIFO order: 1 left of the first, then 1.
	orders := dst.Snapshot().Orders[a]
	if len(orders) != 2 || !orders[0].Remaining.Equal(testutil.Amount("1")) || orders[0].Seq > orders[1].Seq {
		t.Errorf("restored orders: %+v", orders)
	}
}

// ============================================================================
// Test: Migrations on disk
// ============================================================================

func TestMigrations_EveryUpHasDown(t *testing.T) {
	dir := testutil.MigrationsDir(t)
	ups, err := persistence.ListMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations found")
	}
	for _, up := range ups {
		if _, err := os.Stat(filepath.Join(dir, persistence.DownFile(up))); err != nil {
			t.Errorf("%s has no down migration: %v", up, err)
		}
	}
}

// ============================================================================
// Test: Postgres round trip (integration)
// ============================================================================

func TestPostgres_EventsSnapshotsCustody(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.Output, 256)
	e := newEngine(t, persist)
	trade(t, e)

	w := persistence.NewPersistenceWorker(db, persist, 8, 5*time.Millisecond, 2, nil, zerolog.Nop())
	close(persist)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}

	latest, err := persistence.GetLatestSequence(ctx, db, "ETH-USD-PERP")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != e.GetSequence() {
		t.Errorf("latest sequence: got %d, want %d", latest, e.GetSequence())
	}

	// The worker checkpoints with every batch, so the log never runs ahead.
	sm := persistence.NewSnapshotManager(db, nil)
	snap, err := sm.LoadLatestSnapshot(ctx, "ETH-USD-PERP")
	if err != nil || snap == nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if snap.Sequence != latest {
		t.Errorf("checkpoint sequence: got %d, want log head %d", snap.Sequence, latest)
	}
	var kept int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.snapshots WHERE market_id = $1`, "ETH-USD-PERP").Scan(&kept); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if kept > 2 {
		t.Errorf("snapshots kept: got %d, want at most 2", kept)
	}

	if err := sm.SaveSnapshot(ctx, e.CreateSnapshotState()); err != nil {
		t.Fatalf("save snapshot at the same sequence: %v", err)
	}

	log := persistence.NewCustodyLog(db)
	acct := uuid.New()
	tr := custody.Transfer{ID: uuid.New(), MarketID: "ETH-USD-PERP", Account: acct, Direction: custody.DirectionDeposit, Amount: testutil.Usd("12.5"), Timestamp: 1}
	if err := log.Deposit(ctx, tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := log.Deposit(ctx, tr); err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}
	got, err := log.Transfers(ctx, acct, 10)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(got) != 1 || !got[0].Amount.Equal(testutil.Usd("12.5")) {
		t.Errorf("transfers: %+v", got)
	}
}
