package attest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/goghmarket/goghd/internal/contracts"
)

// attestationRequestData mirrors the EAS AttestationRequestData tuple.
type attestationRequestData struct {
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         [32]byte
	Data           []byte
	Value          *big.Int
}

// attestationRequest mirrors the EAS AttestationRequest tuple.
type attestationRequest struct {
	Schema [32]byte
	Data   attestationRequestData
}

// EASSubmitter submits attestations to the EAS contract and waits for
// the attestation UID emitted in the receipt.
type EASSubmitter struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// NewEASSubmitter dials the RPC endpoint and binds the EAS contract.
func NewEASSubmitter(rpcURL, easContract, privateKeyHex string, chainID int64) (*EASSubmitter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid attestor key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(contracts.EASABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse eas abi: %w", err)
	}
	addr := common.HexToAddress(easContract)
	bound := bind.NewBoundContract(addr, parsed, client, client, client)

	return &EASSubmitter{
		client:   client,
		contract: bound,
		address:  addr,
		key:      key,
		chainID:  big.NewInt(chainID),
	}, nil
}

// Submit sends an attest transaction and returns the attestation UID
// from the Attested event in the mined receipt.
func (s *EASSubmitter) Submit(ctx context.Context, schemaUID common.Hash, data []byte) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	req := attestationRequest{
		Schema: schemaUID,
		Data: attestationRequestData{
			Recipient: common.Address{},
			Revocable: false,
			Data:      data,
			Value:     big.NewInt(0),
		},
	}

	tx, err := s.contract.Transact(opts, "attest", req)
	if err != nil {
		return "", fmt.Errorf("attest transaction failed: %w", err)
	}

	receipt, err := s.waitMined(ctx, tx)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("attest transaction %s reverted", tx.Hash().Hex())
	}

	for _, lg := range receipt.Logs {
		if lg.Address == s.address && len(lg.Data) >= 32 {
			return common.BytesToHash(lg.Data[:32]).Hex(), nil
		}
	}
	return "", fmt.Errorf("attest transaction %s emitted no uid", tx.Hash().Hex())
}

func (s *EASSubmitter) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
