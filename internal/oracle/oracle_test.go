package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/goghmarket/goghd/internal/attest"
	"github.com/goghmarket/goghd/internal/chain"
	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/logging"
	"github.com/goghmarket/goghd/internal/signing"
)

const (
	contractAddr = "0x9999999999999999999999999999999999999999"
	escrowAddr   = "0x1111111111111111111111111111111111111111"
	ownerAddr    = "0x2222222222222222222222222222222222222222"
	recipAddr    = "0x3333333333333333333333333333333333333333"
	tokenAddr    = "0x4444444444444444444444444444444444444444"
)

type fakeReader struct {
	mu   sync.Mutex
	head uint64
	logs []types.Log
}

func (f *fakeReader) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeReader) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeReader) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1717243800}, nil
}

type fakeAttester struct {
	mu   sync.Mutex
	reqs []attest.Request
}

func (f *fakeAttester) IssueForRelease(_ context.Context, req attest.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeAttester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func addrWord(hex string) []byte {
	return common.LeftPadBytes(common.HexToAddress(hex).Bytes(), 32)
}

func uintWord(n int64) []byte {
	return common.LeftPadBytes(big.NewInt(n).Bytes(), 32)
}

func createdLog(block uint64, txHash string) types.Log {
	var data []byte
	data = append(data, uintWord(42)...) // uid
	data = append(data, addrWord(escrowAddr)...)
	data = append(data, addrWord(ownerAddr)...)
	data = append(data, addrWord(recipAddr)...)
	data = append(data, addrWord(tokenAddr)...)
	data = append(data, uintWord(100)...)
	return types.Log{
		Address:     common.HexToAddress(contractAddr),
		Topics:      []common.Hash{chain.TopicCreated},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
	}
}

func releasedLog(block uint64, txHash string) types.Log {
	var data []byte
	data = append(data, addrWord(escrowAddr)...)
	data = append(data, addrWord(ownerAddr)...)
	data = append(data, addrWord(recipAddr)...)
	data = append(data, uintWord(100)...)
	data = append(data, addrWord(tokenAddr)...)
	return types.Log{
		Address:     common.HexToAddress(contractAddr),
		Topics:      []common.Hash{chain.TopicReleased},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       1,
	}
}

func canceledLog(block uint64, txHash string) types.Log {
	var data []byte
	data = append(data, addrWord(escrowAddr)...)
	data = append(data, addrWord(ownerAddr)...)
	data = append(data, addrWord(recipAddr)...)
	data = append(data, uintWord(100)...)
	return types.Log{
		Address:     common.HexToAddress(contractAddr),
		Topics:      []common.Hash{chain.TopicCanceled},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       2,
	}
}

func newTestOracle(reader *fakeReader, store docstore.Store, attester Attester) *Oracle {
	cfg := &config.Config{
		ContractAddress: contractAddr,
		StartBlock:      1,
		PollIntervalSec: 1,
	}
	return New(cfg, reader, store, nil, attester, logging.New("error", "text"))
}

func TestPoll_AppliesCreated(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{createdLog(5, "0xaa")}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, ownerAddr, escrow["owner"])
	require.Equal(t, recipAddr, escrow["recipient"])
	require.Equal(t, tokenAddr, escrow["token"])
	require.Equal(t, "100", escrow["amount"])
	require.Equal(t, int64(42), escrow["uid"])
	require.Equal(t, false, escrow["released"])
	require.Equal(t, "", escrow["buyerSignature"])
	require.Equal(t, int64(1717243800000), escrow["timestamp"])

	lg, err := store.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, lg["createdEscrow"])
}

func TestPoll_ReplayPreservesSignatures(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{createdLog(5, "0xaa")}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))

	out := store.UpdateOne(ctx, docstore.Escrows,
		docstore.Filter{"escrowId": escrowAddr},
		docstore.Patch{Set: docstore.Document{"buyerSignature": "0xsig"}}, false)
	require.True(t, out.Succeeded())

	// Same log delivered again under a new identity, as after a restart.
	o.processed = make(map[string]struct{})
	o.lastBlock = 1
	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, "0xsig", escrow["buyerSignature"])
}

func TestPoll_DuplicateLogAppliedOnce(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{createdLog(5, "0xaa")}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))
	// Rewind the cursor; the processed set still remembers the log.
	o.lastBlock = 1
	require.NoError(t, o.poll(ctx))

	_, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
}

func TestPoll_ReleasedTriggersAttestation(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{
		createdLog(5, "0xaa"),
		releasedLog(6, "0xbb"),
	}}
	attester := &fakeAttester{}
	o := newTestOracle(reader, store, attester)

	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, escrow["released"])
	require.Equal(t, common.HexToHash("0xbb").Hex(), escrow["releaseTxHash"])

	require.Eventually(t, func() bool { return attester.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	attester.mu.Lock()
	defer attester.mu.Unlock()
	require.Equal(t, escrowAddr, attester.reqs[0].EscrowID)
	require.Equal(t, big.NewInt(100), attester.reqs[0].Amount)
}

func TestPoll_ReleaseForUnknownEscrowUpserts(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{releasedLog(6, "0xbb")}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, escrow["released"])
	require.Equal(t, ownerAddr, escrow["owner"])
}

func TestPoll_AppliesCanceled(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 10, logs: []types.Log{
		createdLog(5, "0xaa"),
		canceledLog(7, "0xcc"),
	}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, escrow["canceled"])

	lg, err := store.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, lg["canceledEscrow"])
}

func TestPoll_SkipsMalformedLog(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bad := createdLog(5, "0xaa")
	bad.Data = bad.Data[:64] // truncated
	reader := &fakeReader{head: 10, logs: []types.Log{bad, createdLog(6, "0xdd")}}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))

	// The well-formed log still lands.
	_, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
}

func TestPoll_CursorAdvancesWithoutLogs(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	reader := &fakeReader{head: 100}
	o := newTestOracle(reader, store, nil)

	require.NoError(t, o.poll(ctx))
	require.Equal(t, uint64(100), o.lastBlock)

	reader.mu.Lock()
	reader.head = 50 // RPC flapped to a stale node
	reader.mu.Unlock()
	require.NoError(t, o.poll(ctx))
	require.Equal(t, uint64(100), o.lastBlock)
}

func createdLogFor(block uint64, txHash, owner, recipient string) types.Log {
	var data []byte
	data = append(data, uintWord(42)...)
	data = append(data, addrWord(escrowAddr)...)
	data = append(data, addrWord(owner)...)
	data = append(data, addrWord(recipient)...)
	data = append(data, addrWord(tokenAddr)...)
	data = append(data, uintWord(100)...)
	return types.Log{
		Address:     common.HexToAddress(contractAddr),
		Topics:      []common.Hash{chain.TopicCreated},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
	}
}

type lifecycleSubsidizer struct {
	mu    sync.Mutex
	calls int
}

func (s *lifecycleSubsidizer) Enabled() bool { return true }

func (s *lifecycleSubsidizer) Release(context.Context, string, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "0xsponsored", nil
}

// Full mirror lifecycle: creation is mirrored, both parties co-sign,
// the sponsored release lands on chain, and the release is mirrored
// back without losing the recorded signatures.
func TestLifecycle_CreateSignSignRelease(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	logger := logging.New("error", "text")

	buyerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sellerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	buyer := strings.ToLower(crypto.PubkeyToAddress(buyerKey.PublicKey).Hex())
	seller := strings.ToLower(crypto.PubkeyToAddress(sellerKey.PublicKey).Hex())

	reader := &fakeReader{head: 10, logs: []types.Log{createdLogFor(5, "0xaa", buyer, seller)}}
	o := newTestOracle(reader, store, nil)
	require.NoError(t, o.poll(ctx))

	sub := &lifecycleSubsidizer{}
	svc := signing.NewService(store, sub, nil, logger)

	sign := func(key *ecdsa.PrivateKey) *signing.Result {
		pkt := signing.Packet{
			UnsignedData: signing.UnsignedData{
				EscrowID:  escrowAddr,
				Token:     tokenAddr,
				Amount:    "100",
				Recipient: seller,
				Owner:     buyer,
			},
		}
		digest, err := signing.Digest(pkt)
		require.NoError(t, err)
		sig, err := crypto.Sign(digest, key)
		require.NoError(t, err)
		sig[64] += 27
		pkt.Signature = hexutil.Encode(sig)

		res, err := svc.SignPurchase(ctx, pkt)
		require.NoError(t, err)
		return res
	}

	res := sign(buyerKey)
	require.Equal(t, signing.RoleBuyer, res.Role)
	require.False(t, res.BothSigned)

	res = sign(sellerKey)
	require.Equal(t, signing.RoleSeller, res.Role)
	require.True(t, res.BothSigned)
	require.Equal(t, "0xsponsored", res.SubsidyTxHash)
	require.Equal(t, 1, sub.calls)

	// The sponsored transaction mines and the release event comes back
	// around through the oracle.
	reader.mu.Lock()
	reader.head = 20
	reader.logs = append(reader.logs, func() types.Log {
		lg := releasedLog(12, "0xbb")
		lg.Data = nil
		var data []byte
		data = append(data, addrWord(escrowAddr)...)
		data = append(data, addrWord(buyer)...)
		data = append(data, addrWord(seller)...)
		data = append(data, uintWord(100)...)
		data = append(data, addrWord(tokenAddr)...)
		lg.Data = data
		return lg
	}())
	reader.mu.Unlock()
	require.NoError(t, o.poll(ctx))

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, escrow["released"])
	require.NotEmpty(t, escrow["buyerSignature"])
	require.NotEmpty(t, escrow["sellerSignature"])

	lg, err := store.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	for _, flag := range []string{"createdEscrow", "signedBuyer", "signedSeller", "releasedEscrow"} {
		require.Equal(t, true, lg[flag], flag)
	}
}

// escrowFailStore fails the first write to the escrows collection and
// passes everything else through, modeling a partial UpdateMany commit.
type escrowFailStore struct {
	docstore.Store
	tripped bool
}

func (s *escrowFailStore) UpdateMany(ctx context.Context, specs []docstore.UpdateSpec) []docstore.Outcome {
	outcomes := make([]docstore.Outcome, 0, len(specs))
	for _, spec := range specs {
		if spec.Collection == docstore.Escrows && !s.tripped {
			s.tripped = true
			outcomes = append(outcomes, docstore.Outcome{
				Status: docstore.StatusFailed,
				Err:    errors.New("connection reset"),
			})
			continue
		}
		outcomes = append(outcomes, s.Store.UpdateOne(ctx, spec.Collection, spec.Filter, spec.Patch, spec.Upsert))
	}
	return outcomes
}

func TestPoll_CreatedReplayRepairsPartialFailure(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	store := &escrowFailStore{Store: mem}
	reader := &fakeReader{head: 10, logs: []types.Log{createdLog(5, "0xaa")}}
	o := newTestOracle(reader, store, nil)

	// First apply: the logs flag commits, the escrows write fails.
	require.NoError(t, o.poll(ctx))

	_, err := mem.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	lg, err := mem.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, true, lg["createdEscrow"])

	// Restart: the rescan must repair the missing escrows doc even
	// though the logs flag is already set.
	o.processed = make(map[string]struct{})
	o.lastBlock = 1
	require.NoError(t, o.poll(ctx))

	escrow, err := mem.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": escrowAddr})
	require.NoError(t, err)
	require.Equal(t, "100", escrow["amount"])
	require.Equal(t, ownerAddr, escrow["owner"])
	require.Equal(t, false, escrow["released"])
	require.Equal(t, "", escrow["buyerSignature"])
}
