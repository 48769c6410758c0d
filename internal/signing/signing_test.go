package signing

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/logging"
	"github.com/goghmarket/goghd/internal/realtime"
)

const (
	testEscrowID = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testToken    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeSubsidizer struct {
	mu      sync.Mutex
	enabled bool
	calls   int
	buyer   string
	seller  string
}

func (f *fakeSubsidizer) Enabled() bool { return f.enabled }

func (f *fakeSubsidizer) Release(_ context.Context, _, buyerSig, sellerSig string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.buyer, f.seller = buyerSig, sellerSig
	return "0xsubsidytx", nil
}

type fakeHub struct{ events []*realtime.Event }

func (f *fakeHub) Broadcast(ev *realtime.Event) { f.events = append(f.events, ev) }

func keyAddr(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func signPacket(t *testing.T, pkt Packet, key *ecdsa.PrivateKey) Packet {
	t.Helper()
	digest, err := Digest(pkt)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27 // wallet-style recovery id
	pkt.Signature = hexutil.Encode(sig)
	return pkt
}

func seedEscrow(t *testing.T, store docstore.Store, owner, recipient string) {
	t.Helper()
	out := store.UpdateOne(context.Background(), docstore.Escrows,
		docstore.Filter{"escrowId": testEscrowID},
		docstore.Patch{Set: docstore.Document{
			"owner":           owner,
			"recipient":       recipient,
			"token":           testToken,
			"amount":          "100",
			"buyerSignature":  "",
			"sellerSignature": "",
		}},
		true,
	)
	require.True(t, out.Succeeded())
}

func basePacket(owner, recipient string) Packet {
	return Packet{
		UnsignedData: UnsignedData{
			EscrowID:  testEscrowID,
			Token:     testToken,
			Amount:    "100",
			Recipient: recipient,
			Owner:     owner,
		},
	}
}

func TestRecoverSigner_RoundTrip(t *testing.T) {
	key, addr := keyAddr(t)
	pkt := signPacket(t, basePacket(addr, "0xcccccccccccccccccccccccccccccccccccccccc"), key)

	got, err := RecoverSigner(pkt)
	require.NoError(t, err)
	require.Equal(t, addr, strings.ToLower(got.Hex()))
}

func TestPacket_Validate(t *testing.T) {
	pkt := basePacket(testToken, testEscrowID)
	pkt.Signature = "0xdeadbeef"
	require.NoError(t, pkt.Validate())

	bad := pkt
	bad.UnsignedData.Recipient = bad.UnsignedData.Owner
	require.ErrorIs(t, bad.Validate(), ErrInvalidPacket)

	bad = pkt
	bad.UnsignedData.Amount = "1.5"
	require.ErrorIs(t, bad.Validate(), ErrInvalidPacket)

	bad = pkt
	bad.UnsignedData.Owner = "not-an-address"
	require.ErrorIs(t, bad.Validate(), ErrInvalidPacket)

	bad = pkt
	bad.Signature = "0xabc" // odd length
	require.ErrorIs(t, bad.Validate(), ErrInvalidPacket)
}

func TestSignPurchase_BuyerThenSeller(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	buyerKey, buyer := keyAddr(t)
	sellerKey, seller := keyAddr(t)
	seedEscrow(t, store, buyer, seller)

	sub := &fakeSubsidizer{enabled: true}
	hub := &fakeHub{}
	svc := NewService(store, sub, hub, logging.New("error", "text"))

	res, err := svc.SignPurchase(ctx, signPacket(t, basePacket(buyer, seller), buyerKey))
	require.NoError(t, err)
	require.Equal(t, RoleBuyer, res.Role)
	require.False(t, res.BothSigned)
	require.Zero(t, sub.calls, "subsidy must wait for the second signature")

	res, err = svc.SignPurchase(ctx, signPacket(t, basePacket(buyer, seller), sellerKey))
	require.NoError(t, err)
	require.Equal(t, RoleSeller, res.Role)
	require.True(t, res.BothSigned)
	require.Equal(t, "0xsubsidytx", res.SubsidyTxHash)
	require.Equal(t, 1, sub.calls)

	escrow, err := store.FindOne(ctx, docstore.Escrows, docstore.Filter{"escrowId": testEscrowID})
	require.NoError(t, err)
	require.Equal(t, sub.buyer, escrow["buyerSignature"])
	require.Equal(t, sub.seller, escrow["sellerSignature"])

	lg, err := store.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": testEscrowID})
	require.NoError(t, err)
	require.Equal(t, true, lg["signedBuyer"])
	require.Equal(t, true, lg["signedSeller"])

	require.Len(t, hub.events, 2)
	require.Equal(t, realtime.EventBuyerSigned, hub.events[0].Type)
	require.Equal(t, realtime.EventSellerSigned, hub.events[1].Type)
}

func TestSignPurchase_ReplayDoesNotResubsidize(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	buyerKey, buyer := keyAddr(t)
	sellerKey, seller := keyAddr(t)
	seedEscrow(t, store, buyer, seller)

	sub := &fakeSubsidizer{enabled: true}
	svc := NewService(store, sub, nil, logging.New("error", "text"))

	_, err := svc.SignPurchase(ctx, signPacket(t, basePacket(buyer, seller), buyerKey))
	require.NoError(t, err)
	sellerPkt := signPacket(t, basePacket(buyer, seller), sellerKey)
	_, err = svc.SignPurchase(ctx, sellerPkt)
	require.NoError(t, err)

	res, err := svc.SignPurchase(ctx, sellerPkt)
	require.NoError(t, err)
	require.True(t, res.AlreadySigned)
	require.Equal(t, 1, sub.calls, "replay must not trigger another release")
}

func TestSignPurchase_ConcurrentPairTriggersOnce(t *testing.T) {
	store := docstore.NewMemory()
	buyerKey, buyer := keyAddr(t)
	sellerKey, seller := keyAddr(t)
	seedEscrow(t, store, buyer, seller)

	sub := &fakeSubsidizer{enabled: true}
	svc := NewService(store, sub, nil, logging.New("error", "text"))

	buyerPkt := signPacket(t, basePacket(buyer, seller), buyerKey)
	sellerPkt := signPacket(t, basePacket(buyer, seller), sellerKey)

	// Both first-time signatures land at once; exactly one of them
	// completes the pair and sponsors the release.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, pkt := range []Packet{buyerPkt, sellerPkt} {
		wg.Add(1)
		go func(p Packet) {
			defer wg.Done()
			_, err := svc.SignPurchase(context.Background(), p)
			errs <- err
		}(pkt)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Equal(t, 1, sub.calls)
	require.Equal(t, buyerPkt.Signature, sub.buyer)
	require.Equal(t, sellerPkt.Signature, sub.seller)
}

func TestSignPurchase_SignerNotInPacket(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	_, buyer := keyAddr(t)
	_, seller := keyAddr(t)
	seedEscrow(t, store, buyer, seller)

	strangerKey, _ := keyAddr(t)
	svc := NewService(store, nil, nil, logging.New("error", "text"))

	_, err := svc.SignPurchase(ctx, signPacket(t, basePacket(buyer, seller), strangerKey))
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestSignPurchase_SignerNotOnMirroredEscrow(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	_, buyer := keyAddr(t)
	_, seller := keyAddr(t)
	seedEscrow(t, store, buyer, seller)

	// The packet names the stranger as owner and the stranger signed it,
	// but the mirrored escrow belongs to someone else.
	strangerKey, stranger := keyAddr(t)
	svc := NewService(store, nil, nil, logging.New("error", "text"))

	_, err := svc.SignPurchase(ctx, signPacket(t, basePacket(stranger, seller), strangerKey))
	require.ErrorIs(t, err, ErrUnknownEscrowOrSigner)
}

func TestSignPurchase_UnknownEscrow(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	buyerKey, buyer := keyAddr(t)
	_, seller := keyAddr(t)

	svc := NewService(store, nil, nil, logging.New("error", "text"))

	_, err := svc.SignPurchase(ctx, signPacket(t, basePacket(buyer, seller), buyerKey))
	require.ErrorIs(t, err, ErrUnknownEscrowOrSigner)
}
