package subsidy

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

	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/contracts"
)

// rpcSubmitter broadcasts releaseEscrow transactions with the funded
// sponsor key.
type rpcSubmitter struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

func newRPCSubmitter(cfg *config.Config) (*rpcSubmitter, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SubsidyPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid sponsor key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(contracts.GoghABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}
	bound := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsed, client, client, client)

	return &rpcSubmitter{
		client:   client,
		contract: bound,
		key:      key,
		chainID:  big.NewInt(cfg.ChainID),
	}, nil
}

func (s *rpcSubmitter) SubmitRelease(ctx context.Context, escrowID common.Address, buyerSig, sellerSig []byte) (common.Hash, *big.Int, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := s.contract.Transact(opts, "releaseEscrow", escrowID, buyerSig, sellerSig)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("releaseEscrow transaction failed: %w", err)
	}

	receipt, err := s.waitMined(ctx, tx)
	if err != nil {
		return common.Hash{}, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, nil, fmt.Errorf("releaseEscrow transaction %s reverted", tx.Hash().Hex())
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	return tx.Hash(), cost, nil
}

func (s *rpcSubmitter) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
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
