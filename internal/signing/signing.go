// Package signing verifies party signatures over purchase terms and
// records them on the mirrored escrow.
//
// A party signs the ABI-encoded purchase tuple off-chain; the service
// recovers the signer, matches it against the escrow's parties, and
// stores the signature under the buyer or seller slot. When the second
// signature lands, the release can be gas-subsidized.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/metrics"
	"github.com/goghmarket/goghd/internal/realtime"
	"github.com/goghmarket/goghd/internal/traces"
)

var (
	// ErrInvalidPacket is returned when the packet fails validation or
	// the signature cannot be recovered.
	ErrInvalidPacket = errors.New("invalid signed purchase packet")
	// ErrUnknownEscrowOrSigner is returned when no mirrored escrow
	// matches the packet's id with the recovered signer as a party.
	ErrUnknownEscrowOrSigner = errors.New("unknown escrow or signer")
)

var (
	addressPattern   = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
	signaturePattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]+$`)
)

// UnsignedData is the purchase tuple a party signs over.
type UnsignedData struct {
	EscrowID  string `json:"escrowId" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Owner     string `json:"owner" binding:"required"`
}

// Packet is a signed purchase submission from one escrow party.
type Packet struct {
	Signature    string       `json:"signature" binding:"required"`
	UnsignedData UnsignedData `json:"unsignedData" binding:"required"`
}

// Validate checks the packet's fields before any cryptography runs.
func (p Packet) Validate() error {
	d := p.UnsignedData
	for name, addr := range map[string]string{
		"escrowId": d.EscrowID, "owner": d.Owner, "recipient": d.Recipient, "token": d.Token,
	} {
		if !addressPattern.MatchString(addr) {
			return fmt.Errorf("%w: %s is not an address", ErrInvalidPacket, name)
		}
	}
	if strings.EqualFold(normalizeHex(d.Owner), normalizeHex(d.Recipient)) {
		return fmt.Errorf("%w: owner and recipient must differ", ErrInvalidPacket)
	}
	if _, ok := new(big.Int).SetString(d.Amount, 10); !ok {
		return fmt.Errorf("%w: amount is not a base-10 integer", ErrInvalidPacket)
	}
	sig := normalizeHex(p.Signature)
	if !signaturePattern.MatchString(p.Signature) || len(sig)%2 != 0 || sig == "" {
		return fmt.Errorf("%w: malformed signature", ErrInvalidPacket)
	}
	return nil
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "0x"))
}

// Role identifies which escrow party produced a signature.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Result reports what a sign operation did.
type Result struct {
	Role          Role   `json:"role"`
	Signer        string `json:"signer"`
	AlreadySigned bool   `json:"alreadySigned"`
	BothSigned    bool   `json:"bothSigned"`
	SubsidyTxHash string `json:"subsidyTxHash,omitempty"`
}

var digestArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("address")},
	{Type: mustType("address")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Digest computes the message hash a party signs: the keccak of the
// ABI-encoded (escrowId, token, amount, recipient, owner) tuple,
// wrapped in the EIP-191 personal-message prefix.
func Digest(p Packet) ([]byte, error) {
	d := p.UnsignedData
	amount, ok := new(big.Int).SetString(d.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount is not a base-10 integer", ErrInvalidPacket)
	}
	packed, err := digestArgs.Pack(
		common.HexToAddress(d.EscrowID),
		common.HexToAddress(d.Token),
		amount,
		common.HexToAddress(d.Recipient),
		common.HexToAddress(d.Owner),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	inner := crypto.Keccak256(packed)
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), inner), nil
}

// RecoverSigner returns the address that produced the signature over
// the packet's digest.
func RecoverSigner(p Packet) (common.Address, error) {
	digest, err := Digest(p)
	if err != nil {
		return common.Address{}, err
	}
	sig := common.FromHex(p.Signature)
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidPacket)
	}
	// Wallets emit V as 27/28; SigToPub wants 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Subsidizer sponsors the on-chain release once both parties signed.
type Subsidizer interface {
	Enabled() bool
	Release(ctx context.Context, escrowID, buyerSig, sellerSig string) (string, error)
}

// Broadcaster pushes transitions to realtime subscribers.
type Broadcaster interface {
	Broadcast(ev *realtime.Event)
}

// Service records party signatures on mirrored escrows.
type Service struct {
	store      docstore.Store
	subsidizer Subsidizer
	hub        Broadcaster
	logger     *slog.Logger

	// escrowLocks serializes sign operations per escrow so the read of
	// the counterparty slot and the signature write form one step.
	escrowLocks sync.Map
}

// NewService creates the signing service. subsidizer and hub may be nil.
func NewService(store docstore.Store, subsidizer Subsidizer, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{store: store, subsidizer: subsidizer, hub: hub, logger: logger}
}

// SignPurchase validates the packet, recovers the signer, and records
// the signature under the matching party slot. Replays of the same
// signature are acknowledged without rewriting.
func (s *Service) SignPurchase(ctx context.Context, pkt Packet) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "signing.SignPurchase",
		traces.EscrowID(strings.ToLower(pkt.UnsignedData.EscrowID)))
	defer span.End()

	if err := pkt.Validate(); err != nil {
		return nil, err
	}
	signer, err := RecoverSigner(pkt)
	if err != nil {
		return nil, err
	}

	escrowID := strings.ToLower(ensurePrefix(pkt.UnsignedData.EscrowID))
	signerHex := strings.ToLower(signer.Hex())

	// Hold the escrow's lock across read and write. Without it, two
	// first-time signatures arriving together can each see the other
	// slot empty and the completing subsidy would never fire.
	lock, _ := s.escrowLocks.LoadOrStore(escrowID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// The signer must be one of the parties named in the packet itself;
	// anything else is a forged or mangled submission.
	if signerHex != strings.ToLower(ensurePrefix(pkt.UnsignedData.Owner)) &&
		signerHex != strings.ToLower(ensurePrefix(pkt.UnsignedData.Recipient)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidPacket)
	}

	escrow, err := s.store.FindOne(ctx, docstore.Escrows, docstore.Filter{
		"escrowId": escrowID,
		"$or": []docstore.Filter{
			{"owner": signerHex},
			{"recipient": signerHex},
		},
	})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrUnknownEscrowOrSigner
		}
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}

	// The escrow owner funds the purchase, so owner signatures land in
	// the buyer slot. Owner is checked first in case a corrupted mirror
	// has the same address on both sides.
	role := RoleSeller
	sigField, flagField := "sellerSignature", "signedSeller"
	otherField := "buyerSignature"
	if owner, _ := escrow["owner"].(string); owner == signerHex {
		role = RoleBuyer
		sigField, flagField = "buyerSignature", "signedBuyer"
		otherField = "sellerSignature"
	}

	prevSig, _ := escrow[sigField].(string)
	otherSig, _ := escrow[otherField].(string)

	now := time.Now().UnixMilli()
	sigHex := "0x" + normalizeHex(pkt.Signature)
	outcomes := s.store.UpdateMany(ctx, []docstore.UpdateSpec{
		{
			Collection: docstore.Escrows,
			Filter:     docstore.Filter{"escrowId": escrowID},
			Patch:      docstore.Patch{Set: docstore.Document{sigField: sigHex, "lastUpdated": now}},
		},
		{
			Collection: docstore.Logs,
			Filter:     docstore.Filter{"escrowId": escrowID},
			Patch:      docstore.Patch{Set: docstore.Document{flagField: true, "lastUpdated": now}},
			Upsert:     true,
		},
	})
	for _, out := range outcomes {
		if out.Status == docstore.StatusFailed {
			return nil, fmt.Errorf("failed to record signature: %w", out.Err)
		}
	}

	metrics.SignaturesRecordedTotal.WithLabelValues(string(role)).Inc()
	s.logger.Info("purchase signature recorded",
		"escrow_id", escrowID, "role", role, "signer", signerHex)

	res := &Result{
		Role:          role,
		Signer:        signerHex,
		AlreadySigned: prevSig == sigHex,
		BothSigned:    otherSig != "",
	}

	evType := realtime.EventBuyerSigned
	if role == RoleSeller {
		evType = realtime.EventSellerSigned
	}
	if s.hub != nil {
		s.hub.Broadcast(&realtime.Event{Type: evType, EscrowID: escrowID, Timestamp: time.Now()})
	}

	// Sponsor the release exactly when this signature completes the
	// pair. Replays and first signatures never trigger it.
	if res.BothSigned && prevSig == "" && s.subsidizer != nil && s.subsidizer.Enabled() {
		buyerSig, sellerSig := sigHex, otherSig
		if role == RoleSeller {
			buyerSig, sellerSig = otherSig, sigHex
		}
		txHash, err := s.subsidizer.Release(ctx, escrowID, buyerSig, sellerSig)
		if err != nil {
			// Subsidy is best-effort; the parties can still release on
			// their own gas.
			s.logger.Warn("subsidized release failed", "escrow_id", escrowID, "error", err)
		} else {
			res.SubsidyTxHash = txHash
		}
	}

	return res, nil
}

func ensurePrefix(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return addr
	}
	return "0x" + addr
}
