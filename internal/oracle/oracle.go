// Package oracle mirrors escrow contract events into the document store.
//
// It polls the chain for new logs, decodes them, and applies each one
// to the escrows and logs projections. Applying is idempotent: a log
// replayed after a restart or an overlapping scan window converges to
// the same documents. Events for the same escrow are applied serially;
// different escrows proceed in parallel.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/goghmarket/goghd/internal/attest"
	"github.com/goghmarket/goghd/internal/chain"
	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/metrics"
	"github.com/goghmarket/goghd/internal/realtime"
	"github.com/goghmarket/goghd/internal/traces"
)

// maxBlockRange bounds a single FilterLogs query so RPC providers with
// range limits do not reject the scan.
const maxBlockRange = 2000

// EthReader is the chain surface the oracle needs.
type EthReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Attester issues settlement attestations for released escrows.
type Attester interface {
	IssueForRelease(ctx context.Context, req attest.Request)
}

// Broadcaster pushes transitions to realtime subscribers.
type Broadcaster interface {
	Broadcast(ev *realtime.Event)
}

// Oracle tails the escrow contract and keeps the mirror current.
type Oracle struct {
	reader   EthReader
	store    docstore.Store
	hub      Broadcaster
	attester Attester
	logger   *slog.Logger

	contract     common.Address
	pollInterval time.Duration
	startBlock   uint64

	lastBlock uint64

	mu        sync.Mutex
	processed map[string]struct{}

	escrowLocks sync.Map // escrow id -> *sync.Mutex

	headerMu    sync.Mutex
	headerCache map[uint64]uint64 // block number -> timestamp

	stop chan struct{}
	done chan struct{}
}

// New creates an oracle. hub and attester may be nil.
func New(cfg *config.Config, reader EthReader, store docstore.Store, hub Broadcaster, attester Attester, logger *slog.Logger) *Oracle {
	return &Oracle{
		reader:       reader,
		store:        store,
		hub:          hub,
		attester:     attester,
		logger:       logger,
		contract:     common.HexToAddress(cfg.ContractAddress),
		pollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		startBlock:   cfg.StartBlock,
		processed:    make(map[string]struct{}),
		headerCache:  make(map[uint64]uint64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop.
func (o *Oracle) Start(ctx context.Context) {
	go o.run(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (o *Oracle) Stop() {
	close(o.stop)
	<-o.done
}

func (o *Oracle) run(ctx context.Context) {
	defer close(o.done)
	o.logger.Info("oracle started",
		"contract", o.contract.Hex(),
		"poll_interval", o.pollInterval,
	)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.poll(ctx); err != nil {
				o.logger.Error("oracle poll failed", "error", err)
			}
		}
	}
}

// poll scans new blocks for contract logs and applies them.
func (o *Oracle) poll(ctx context.Context) error {
	head, err := o.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	if o.lastBlock == 0 {
		if o.startBlock > 0 {
			o.lastBlock = o.startBlock - 1
		} else {
			// No explicit start: begin at the current head.
			o.lastBlock = head
		}
	}
	if head <= o.lastBlock {
		return nil
	}

	from := o.lastBlock + 1
	to := head
	if to-from >= maxBlockRange {
		to = from + maxBlockRange - 1
	}

	logs, err := o.reader.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.contract},
		Topics:    [][]common.Hash{chain.Topics()},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	for _, lg := range logs {
		o.handleLog(ctx, lg)
	}

	o.lastBlock = to
	metrics.OracleLastBlock.Set(float64(to))
	return nil
}

func (o *Oracle) handleLog(ctx context.Context, lg types.Log) {
	key := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
	if !o.markProcessed(key) {
		return
	}

	ts, err := o.blockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		o.logger.Warn("failed to read block timestamp", "block", lg.BlockNumber, "error", err)
	}

	ev, err := chain.Decode(lg, ts)
	if err != nil {
		metrics.ChainEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		o.logger.Warn("skipping undecodable log",
			"tx_hash", lg.TxHash.Hex(), "log_index", lg.Index, "error", err)
		return
	}

	ctx, span := traces.StartSpan(ctx, "oracle.apply",
		traces.EventKind(string(ev.Kind())),
		traces.TxHash(ev.Meta().TxHash),
	)
	defer span.End()

	if err := o.apply(ctx, ev); err != nil {
		metrics.ChainEventsTotal.WithLabelValues(string(ev.Kind()), "failed").Inc()
		o.unmarkProcessed(key)
		o.logger.Error("failed to apply chain event",
			"kind", ev.Kind(), "tx_hash", ev.Meta().TxHash, "error", err)
		return
	}
	metrics.ChainEventsTotal.WithLabelValues(string(ev.Kind()), "applied").Inc()
}

func (o *Oracle) markProcessed(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.processed[key]; ok {
		return false
	}
	// Crude bound; keys from old scan windows are never revisited.
	if len(o.processed) > 100000 {
		o.processed = make(map[string]struct{})
	}
	o.processed[key] = struct{}{}
	return true
}

func (o *Oracle) unmarkProcessed(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.processed, key)
}

func (o *Oracle) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	o.headerMu.Lock()
	if ts, ok := o.headerCache[number]; ok {
		o.headerMu.Unlock()
		return ts, nil
	}
	o.headerMu.Unlock()

	header, err := o.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	o.headerMu.Lock()
	if len(o.headerCache) > 4096 {
		o.headerCache = make(map[uint64]uint64)
	}
	o.headerCache[number] = header.Time
	o.headerMu.Unlock()
	return header.Time, nil
}

// lockEscrow serializes event application per escrow id.
func (o *Oracle) lockEscrow(id string) func() {
	v, _ := o.escrowLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (o *Oracle) apply(ctx context.Context, ev chain.Event) error {
	switch e := ev.(type) {
	case chain.CreatedEvent:
		return o.applyCreated(ctx, e)
	case chain.ReleasedEvent:
		return o.applyReleased(ctx, e)
	case chain.CanceledEvent:
		return o.applyCanceled(ctx, e)
	case chain.ExpiryStateEvent:
		o.logger.Info("escrow expiry window changed", "expiry_ms", e.ExpiryMs.String())
		return nil
	case chain.ContractStateEvent:
		o.logger.Info("contract state changed", "enabled", e.Enabled)
		o.broadcast(&realtime.Event{Type: realtime.EventContractState, Data: map[string]any{"enabled": e.Enabled}})
		return nil
	case chain.TokenStateEvent:
		o.logger.Info("token allowlist changed",
			"token", lowerHex(e.Token), "enabled", e.Enabled)
		return nil
	case chain.FeeStateEvent:
		o.logger.Info("platform fee changed", "fee_percent", e.FeePercent)
		return nil
	}
	return fmt.Errorf("unhandled event kind %q", ev.Kind())
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func (o *Oracle) applyCreated(ctx context.Context, e chain.CreatedEvent) error {
	id := lowerHex(e.EscrowID)
	unlock := o.lockEscrow(id)
	defer unlock()

	now := time.Now().UnixMilli()
	fields := docstore.Document{
		"uid":            int64(e.UID),
		"owner":          lowerHex(e.Owner),
		"recipient":      lowerHex(e.Recipient),
		"token":          lowerHex(e.Token),
		"amount":         e.Amount.String(),
		"timestamp":      int64(e.BlockTimestamp) * 1000,
		"creationTxData": hexutil.Encode(e.RawData),
		"creationTxHash": e.TxHash,
		"lastUpdated":    now,
	}
	// The lifecycle fields are only seeded on a brand-new escrow doc. A
	// replay against an existing doc must not clear signatures recorded
	// since the first apply, nor rewind a later released/canceled phase,
	// but it still repairs a doc that a partial failure left missing.
	if _, err := o.store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": id}); errors.Is(err, docstore.ErrNotFound) {
		fields["released"] = false
		fields["canceled"] = false
		fields["buyerSignature"] = ""
		fields["sellerSignature"] = ""
	}
	specs := []docstore.UpdateSpec{
		{
			Collection: docstore.Escrows,
			Filter:     docstore.Filter{"escrowId": id},
			Patch:      docstore.Patch{Set: fields},
			Upsert:     true,
		},
		{
			Collection: docstore.Logs,
			Filter:     docstore.Filter{"escrowId": id},
			Patch: docstore.Patch{Set: docstore.Document{
				"createdEscrow": true,
				"lastUpdated":   now,
			}},
			Upsert: true,
		},
	}
	if err := o.applySpecs(ctx, specs); err != nil {
		return err
	}

	o.broadcast(&realtime.Event{Type: realtime.EventEscrowCreated, EscrowID: id, Timestamp: time.Now()})
	o.logger.Info("escrow created", "escrow_id", id, "uid", e.UID, "amount", e.Amount.String())
	return nil
}

func (o *Oracle) applyReleased(ctx context.Context, e chain.ReleasedEvent) error {
	id := lowerHex(e.EscrowID)
	unlock := o.lockEscrow(id)
	defer unlock()

	now := time.Now().UnixMilli()
	specs := []docstore.UpdateSpec{
		{
			Collection: docstore.Escrows,
			Filter:     docstore.Filter{"escrowId": id},
			// Release event fields are authoritative over creation-time values.
			Patch: docstore.Patch{Set: docstore.Document{
				"owner":         lowerHex(e.Owner),
				"recipient":     lowerHex(e.Recipient),
				"amount":        e.Amount.String(),
				"token":         lowerHex(e.Token),
				"released":      true,
				"releaseTxData": hexutil.Encode(e.RawData),
				"releaseTxHash": e.TxHash,
				"lastUpdated":   now,
			}},
			Upsert: true,
		},
		{
			Collection: docstore.Logs,
			Filter:     docstore.Filter{"escrowId": id},
			Patch: docstore.Patch{Set: docstore.Document{
				"releasedEscrow": true,
				"lastUpdated":    now,
			}},
			Upsert: true,
		},
	}
	if err := o.applySpecs(ctx, specs); err != nil {
		return err
	}

	o.broadcast(&realtime.Event{Type: realtime.EventEscrowReleased, EscrowID: id, Timestamp: time.Now()})
	o.logger.Info("escrow released", "escrow_id", id, "tx_hash", e.TxHash)

	if o.attester != nil {
		req := attest.Request{
			EscrowID: id,
			Buyer:    lowerHex(e.Owner),
			Seller:   lowerHex(e.Recipient),
			Token:    lowerHex(e.Token),
			Amount:   e.Amount,
		}
		// Detached from the apply path: attestation failures never
		// block or fail the mirror.
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			o.attester.IssueForRelease(actx, req)
		}()
	}
	return nil
}

func (o *Oracle) applyCanceled(ctx context.Context, e chain.CanceledEvent) error {
	id := lowerHex(e.EscrowID)
	unlock := o.lockEscrow(id)
	defer unlock()

	now := time.Now().UnixMilli()
	specs := []docstore.UpdateSpec{
		{
			Collection: docstore.Escrows,
			Filter:     docstore.Filter{"escrowId": id},
			Patch: docstore.Patch{Set: docstore.Document{
				"owner":             lowerHex(e.Owner),
				"recipient":         lowerHex(e.Recipient),
				"amount":            e.Amount.String(),
				"canceled":          true,
				"cancelationTxData": hexutil.Encode(e.RawData),
				"cancelationTxHash": e.TxHash,
				"lastUpdated":       now,
			}},
			Upsert: true,
		},
		{
			Collection: docstore.Logs,
			Filter:     docstore.Filter{"escrowId": id},
			Patch: docstore.Patch{Set: docstore.Document{
				"canceledEscrow": true,
				"lastUpdated":    now,
			}},
			Upsert: true,
		},
	}
	if err := o.applySpecs(ctx, specs); err != nil {
		return err
	}

	o.broadcast(&realtime.Event{Type: realtime.EventEscrowCanceled, EscrowID: id, Timestamp: time.Now()})
	o.logger.Info("escrow canceled", "escrow_id", id, "tx_hash", e.TxHash)
	return nil
}

// applySpecs runs the projection writes and folds their outcomes. The
// writes are independent; a failure on one never rolls back the other,
// replays converge instead.
func (o *Oracle) applySpecs(ctx context.Context, specs []docstore.UpdateSpec) error {
	outcomes := o.store.UpdateMany(ctx, specs)
	for i, out := range outcomes {
		switch out.Status {
		case docstore.StatusApplied:
			metrics.StoreWritesTotal.WithLabelValues(specs[i].Collection, "applied").Inc()
		case docstore.StatusAlreadyApplied:
			metrics.StoreWritesTotal.WithLabelValues(specs[i].Collection, "already_applied").Inc()
		case docstore.StatusFailed:
			metrics.StoreWritesTotal.WithLabelValues(specs[i].Collection, "failed").Inc()
			return fmt.Errorf("write to %s failed: %w", specs[i].Collection, out.Err)
		}
	}
	return nil
}

func (o *Oracle) broadcast(ev *realtime.Event) {
	if o.hub != nil {
		o.hub.Broadcast(ev)
	}
}
