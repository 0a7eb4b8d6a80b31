package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"PerpBook/internal/adl"
	"PerpBook/internal/custody"
	"PerpBook/internal/event"
	"PerpBook/internal/ledger"
	"PerpBook/internal/liquidation"
	"PerpBook/internal/observability"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/pricefeed"
	"PerpBook/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config is the static configuration of one market engine.
type Config struct {
	MarketID string
	Risk     state.RiskParams
	// Keeper receives liquidation penalties for sweeps and queue passes.
	// uuid.Nil leaves the penalty with the liquidated trader.
	Keeper uuid.UUID
}

// Deps are the engine's collaborators. Everything except Prices and
// Custodian may be left nil.
type Deps struct {
	Prices     pricefeed.Source
	Custodian  custody.Custodian
	Cursors    liquidation.CursorStore
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Clock      func() time.Time
	Persist    chan<- Output // blocking
	Publish    chan<- Output // non-blocking, drops when full
	Projection chan<- Output // non-blocking, drops when full
}

// Output is one notification leaving the engine. The journals an operation
// produced and the market state after it ride on its last notification.
type Output struct {
	Envelope   *event.Envelope
	Batch      *ledger.Batch
	Checkpoint *SnapshotState // nil except on an operation's last output
}

// Engine is the single writer for one market. Every mutation runs under mu;
// readers use the snapshot published after each mutation.
type Engine struct {
	mu       sync.Mutex
	emitMu   sync.Mutex
	marketID string

	book       *orderbook.Book
	positions  *state.PositionManager
	collateral *ledger.CollateralLedger
	validator  *ledger.InvariantValidator
	margin     *state.MarginCalculator
	actions    *state.PositionActionManager
	liq        *liquidation.Engine
	socializer *adl.Socializer
	hasher     *ChainHasher

	prices    pricefeed.Source
	custodian custody.Custodian
	cursors   liquidation.CursorStore
	keeper    uuid.UUID
	clock     func() time.Time
	metrics   *observability.Metrics
	logger    zerolog.Logger

	sequence int64
	pending  []Output
	snapshot atomic.Pointer[MarketSnapshot]

	persistChan    chan<- Output
	publishChan    chan<- Output
	projectionChan chan<- Output
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.MarketID == "" {
		return nil, fmt.Errorf("market id is required")
	}
	if cfg.Risk.MarketID == "" {
		cfg.Risk.MarketID = cfg.MarketID
	}
	if err := state.ValidateRiskParams(cfg.Risk); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}
	if deps.Prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	if deps.Custodian == nil {
		return nil, fmt.Errorf("custodian is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	logger := deps.Logger.With().Str("market", cfg.MarketID).Logger()
	positions := state.NewPositionManager(cfg.MarketID)
	collateral := ledger.NewCollateralLedger(cfg.MarketID)

	e := &Engine{
		marketID:       cfg.MarketID,
		book:           orderbook.NewBook(cfg.MarketID),
		positions:      positions,
		collateral:     collateral,
		validator:      ledger.NewInvariantValidator(collateral.Tracker()),
		margin:         state.NewMarginCalculator(cfg.Risk),
		actions:        state.NewPositionActionManager(),
		liq:            liquidation.NewEngine(cfg.MarketID, logger),
		hasher:         NewChainHasher(cfg.MarketID),
		prices:         deps.Prices,
		custodian:      deps.Custodian,
		cursors:        deps.Cursors,
		keeper:         cfg.Keeper,
		clock:          deps.Clock,
		metrics:        deps.Metrics,
		logger:         logger,
		persistChan:    deps.Persist,
		publishChan:    deps.Publish,
		projectionChan: deps.Projection,
	}
	e.socializer = newSocializer(e)
	e.publishSnapshot()
	return e, nil
}

func newSocializer(e *Engine) *adl.Socializer {
	return adl.NewSocializer(e.marketID, e.positions, e.collateral, e.logger)
}

func (e *Engine) MarketID() string { return e.marketID }

// Margin exposes the market's margin rules. They are immutable.
func (e *Engine) Margin() *state.MarginCalculator { return e.margin }

// now returns the engine clock in epoch microseconds
func (e *Engine) now() int64 {
	return e.clock().UnixMicro()
}

// begin takes the market lock and tags journals with ref. Every begin is
// paired with a deferred commit.
func (e *Engine) begin(ref string) time.Time {
	e.mu.Lock()
	e.collateral.SetEventRef(ref)
	return time.Now()
}

// emit appends a chained notification to the current operation.
func (e *Engine) emit(et event.EventType, ref string, ts int64, payload interface{}) {
	env, err := event.NewEnvelope(et, e.marketID, ref, ts, payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	e.sequence++
	env.Sequence = e.sequence
	e.hasher.Link(env)
	e.pending = append(e.pending, Output{Envelope: env})
}

// commit finishes an operation started with begin: it closes the journal
// batch, checks invariants, republishes the read snapshot and releases the
// market lock. Outputs are handed to the channels after the lock is
// released but before the next operation can emit, so consumers see them in
// sequence order.
func (e *Engine) commit(op string, started time.Time) {
	outputs := e.pending
	e.pending = nil

	var batch *ledger.Batch
	if len(outputs) > 0 {
		last := outputs[len(outputs)-1].Envelope
		batch = e.collateral.TakeBatch(last.Sequence, last.Timestamp)
		outputs[len(outputs)-1].Batch = batch
	} else {
		batch = e.collateral.TakeBatch(e.sequence, e.now())
	}
	if batch != nil {
		if len(outputs) == 0 {
			panic(fmt.Sprintf("FATAL: invariant violated: %s produced %d journals without a notification", op, len(batch.Journals)))
		}
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
	}

	if err := e.checkInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, err))
	}
	e.publishSnapshot()
	if len(outputs) > 0 && e.persistChan != nil {
		outputs[len(outputs)-1].Checkpoint = e.snapshotState()
	}

	if e.metrics != nil {
		e.metrics.EngineOpDur.WithLabelValues(op).Observe(time.Since(started).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.RestingOrders.Set(float64(e.book.Len()))
		e.metrics.LiquidationQueue.Set(float64(e.liq.Queue().Len() + e.liq.Queue().RetryLen()))
	}

	e.emitMu.Lock()
	e.mu.Unlock()
	defer e.emitMu.Unlock()

	for _, out := range outputs {
		if e.persistChan != nil {
			select {
			case e.persistChan <- out:
			default:
				// Persistence never drops; block until the worker drains.
				if e.metrics != nil {
					e.metrics.PersistBackpressure.Inc()
				}
				e.persistChan <- out
			}
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- out:
			default:
				// Dropped; projections rebuild from the event log.
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
				}
			}
		}
	}
}

// checkInvariants validates the ledger, the book and the link between
// positions and locked collateral.
func (e *Engine) checkInvariants() error {
	if err := e.validator.ValidateAll(); err != nil {
		return err
	}
	if err := e.book.CheckInvariants(); err != nil {
		return err
	}
	for _, pos := range e.positions.GetAllPositions() {
		if pos.Locked.IsNegative() {
			return fmt.Errorf("position %s of %s: negative locked %s", pos.ID, pos.Owner, pos.Locked)
		}
		if pos.IsFlat() && !pos.Locked.IsZero() {
			return fmt.Errorf("flat position %s of %s holds locked %s", pos.ID, pos.Owner, pos.Locked)
		}
		if held := e.collateral.Locked(pos.Owner); !held.Equal(pos.Locked) {
			return fmt.Errorf("account %s: ledger locked %s != position locked %s", pos.Owner, held, pos.Locked)
		}
	}
	return nil
}

// GetSequence returns the last emitted notification sequence.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetChainTip returns the hash of the last emitted notification.
func (e *Engine) GetChainTip() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.Tip()
}
