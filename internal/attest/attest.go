// Package attest issues settlement attestations for released escrows.
//
// Attestations are an auditability enhancement: failure to attest is
// logged and never affects the release state already mirrored.
package attest

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/metrics"
)

// Request is the canonical attestation payload for a settled escrow.
type Request struct {
	EscrowID string
	Buyer    string
	Seller   string
	Token    string
	Amount   *big.Int
}

// Submitter submits encoded attestation data and returns the
// attestation UID once the submission is confirmed.
type Submitter interface {
	Submit(ctx context.Context, schemaUID common.Hash, data []byte) (string, error)
}

// Issuer drives attestation side effects for released escrows.
type Issuer struct {
	store     docstore.Store
	submitter Submitter
	schemaUID common.Hash
	logger    *slog.Logger
}

// NewIssuer creates an attestation issuer.
func NewIssuer(store docstore.Store, submitter Submitter, schemaUID string, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:     store,
		submitter: submitter,
		schemaUID: common.HexToHash(schemaUID),
		logger:    logger,
	}
}

var payloadArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodePayload packs the attestation tuple per the registered schema
// (address escrowId, address buyer, address seller, address token,
// uint256 amount).
func EncodePayload(req Request) ([]byte, error) {
	return payloadArgs.Pack(
		common.HexToAddress(req.EscrowID),
		common.HexToAddress(req.Buyer),
		common.HexToAddress(req.Seller),
		common.HexToAddress(req.Token),
		req.Amount,
	)
}

// IssueForRelease submits an attestation for a released escrow and
// records the resulting UID on both projections. Best-effort: every
// failure path logs and returns.
func (i *Issuer) IssueForRelease(ctx context.Context, req Request) {
	logDoc, err := i.store.FindOne(ctx, docstore.Logs, docstore.Filter{"escrowId": req.EscrowID})
	if err == nil {
		if done, _ := logDoc["attestationCreated"].(bool); done {
			i.logger.Debug("attestation already recorded, skipping", "escrow_id", req.EscrowID)
			return
		}
	}

	data, err := EncodePayload(req)
	if err != nil {
		metrics.AttestationsTotal.WithLabelValues("encode_error").Inc()
		i.logger.Error("failed to encode attestation payload",
			"escrow_id", req.EscrowID, "error", err)
		return
	}

	uid, err := i.submitter.Submit(ctx, i.schemaUID, data)
	if err != nil {
		metrics.AttestationsTotal.WithLabelValues("submit_error").Inc()
		i.logger.Error("an error occurred while creating attestation",
			"escrow_id", req.EscrowID, "error", err)
		return
	}

	now := time.Now().UnixMilli()
	outcomes := i.store.UpdateMany(ctx, []docstore.UpdateSpec{
		{
			Collection: docstore.Escrows,
			Filter:     docstore.Filter{"escrowId": req.EscrowID},
			Patch:      docstore.Patch{Set: docstore.Document{"attestation": uid, "lastUpdated": now}},
			Upsert:     true,
		},
		{
			Collection: docstore.Logs,
			Filter:     docstore.Filter{"escrowId": req.EscrowID},
			Patch:      docstore.Patch{Set: docstore.Document{"attestationCreated": true, "lastUpdated": now}},
			Upsert:     true,
		},
	})
	for _, out := range outcomes {
		if !out.Succeeded() {
			metrics.AttestationsTotal.WithLabelValues("store_error").Inc()
			i.logger.Error("failed to record attestation uid",
				"escrow_id", req.EscrowID, "error", out.Err)
			return
		}
	}

	metrics.AttestationsTotal.WithLabelValues("ok").Inc()
	i.logger.Info("attestation created for released escrow",
		"escrow_id", req.EscrowID, "attestation_uid", uid)
}
