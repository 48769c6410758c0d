// Package chain decodes raw escrow contract logs into typed domain events.
//
// The contract emits all event fields unindexed, so every field lives
// in the log data as a sequence of 32-byte ABI words. Decoding is total
// for well-formed logs; a wrong word count yields ErrMalformedEvent,
// never a panic, and the caller skips that single log.
package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedEvent marks a log whose data does not match its topic's layout.
var ErrMalformedEvent = errors.New("chain: malformed event")

// Kind identifies a decoded event type.
type Kind string

const (
	KindCreated       Kind = "created"
	KindReleased      Kind = "released"
	KindCanceled      Kind = "canceled"
	KindExpiryState   Kind = "expiryState"
	KindContractState Kind = "contractState"
	KindTokenState    Kind = "tokenState"
	KindFeeState      Kind = "feeState"
)

// Topic hashes for the escrow contract's event signatures.
var (
	TopicCreated       = crypto.Keccak256Hash([]byte("created(uint256,address,address,address,address,uint256)"))
	TopicReleased      = crypto.Keccak256Hash([]byte("released(address,address,address,uint256,address)"))
	TopicCanceled      = crypto.Keccak256Hash([]byte("canceled(address,address,address,uint256)"))
	TopicExpiryState   = crypto.Keccak256Hash([]byte("expiryState(uint256)"))
	TopicContractState = crypto.Keccak256Hash([]byte("contractState(bool)"))
	TopicTokenState    = crypto.Keccak256Hash([]byte("tokenState(address,bool)"))
	TopicFeeState      = crypto.Keccak256Hash([]byte("feeState(uint256)"))
)

// Topics returns every event topic the oracle subscribes to.
func Topics() []common.Hash {
	return []common.Hash{
		TopicCreated, TopicReleased, TopicCanceled,
		TopicExpiryState, TopicContractState, TopicTokenState, TopicFeeState,
	}
}

// EventMeta carries the chain context shared by all decoded events.
type EventMeta struct {
	TxHash         string
	BlockTimestamp uint64
	RawData        []byte
}

// Event is a decoded, typed contract event.
type Event interface {
	Kind() Kind
	Meta() EventMeta
}

// CreatedEvent mirrors a new escrow reservation.
type CreatedEvent struct {
	EventMeta
	UID       uint64 // product identifier
	EscrowID  common.Address
	Owner     common.Address // buyer
	Recipient common.Address // seller
	Token     common.Address
	Amount    *big.Int
}

// ReleasedEvent mirrors a completed escrow. Field values are
// authoritative and may differ from creation-time values.
type ReleasedEvent struct {
	EventMeta
	EscrowID  common.Address
	Owner     common.Address
	Recipient common.Address
	Amount    *big.Int
	Token     common.Address
}

// CanceledEvent mirrors a canceled escrow with funds returned.
type CanceledEvent struct {
	EventMeta
	EscrowID  common.Address
	Owner     common.Address
	Recipient common.Address
	Amount    *big.Int
}

// ExpiryStateEvent signals a new global escrow expiry window.
type ExpiryStateEvent struct {
	EventMeta
	ExpiryMs *big.Int
}

// ContractStateEvent signals the contract being enabled or disabled.
type ContractStateEvent struct {
	EventMeta
	Enabled bool
}

// TokenStateEvent signals a token allowlist change.
type TokenStateEvent struct {
	EventMeta
	Token   common.Address
	Enabled bool
}

// FeeStateEvent signals a platform fee change, in whole percent.
type FeeStateEvent struct {
	EventMeta
	FeePercent uint8
}

func (e CreatedEvent) Kind() Kind       { return KindCreated }
func (e ReleasedEvent) Kind() Kind      { return KindReleased }
func (e CanceledEvent) Kind() Kind      { return KindCanceled }
func (e ExpiryStateEvent) Kind() Kind   { return KindExpiryState }
func (e ContractStateEvent) Kind() Kind { return KindContractState }
func (e TokenStateEvent) Kind() Kind    { return KindTokenState }
func (e FeeStateEvent) Kind() Kind      { return KindFeeState }

func (m EventMeta) Meta() EventMeta { return m }

// MalformedEventError reports the layout mismatch that made a log
// undecodable.
type MalformedEventError struct {
	EventKind Kind
	Detail    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("chain: malformed %s event: %s", e.EventKind, e.Detail)
}

func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }

// Decode turns a raw contract log into a typed event. blockTimestamp is
// the timestamp of the block containing the log.
func Decode(log types.Log, blockTimestamp uint64) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, &MalformedEventError{EventKind: "unknown", Detail: "no topics"}
	}

	kind, ok := kindForTopic(log.Topics[0])
	if !ok {
		return nil, &MalformedEventError{EventKind: "unknown", Detail: "unrecognized topic " + log.Topics[0].Hex()}
	}

	words, err := splitWords(kind, log.Data)
	if err != nil {
		return nil, err
	}

	meta := EventMeta{
		TxHash:         log.TxHash.Hex(),
		BlockTimestamp: blockTimestamp,
		RawData:        log.Data,
	}

	switch kind {
	case KindCreated:
		if err := wantWords(kind, words, 6); err != nil {
			return nil, err
		}
		return CreatedEvent{
			EventMeta: meta,
			UID:       wordUint(words[0]).Uint64(),
			EscrowID:  wordAddress(words[1]),
			Owner:     wordAddress(words[2]),
			Recipient: wordAddress(words[3]),
			Token:     wordAddress(words[4]),
			Amount:    wordUint(words[5]),
		}, nil

	case KindReleased:
		if err := wantWords(kind, words, 5); err != nil {
			return nil, err
		}
		return ReleasedEvent{
			EventMeta: meta,
			EscrowID:  wordAddress(words[0]),
			Owner:     wordAddress(words[1]),
			Recipient: wordAddress(words[2]),
			Amount:    wordUint(words[3]),
			Token:     wordAddress(words[4]),
		}, nil

	case KindCanceled:
		if err := wantWords(kind, words, 4); err != nil {
			return nil, err
		}
		return CanceledEvent{
			EventMeta: meta,
			EscrowID:  wordAddress(words[0]),
			Owner:     wordAddress(words[1]),
			Recipient: wordAddress(words[2]),
			Amount:    wordUint(words[3]),
		}, nil

	case KindExpiryState:
		if err := wantWords(kind, words, 1); err != nil {
			return nil, err
		}
		return ExpiryStateEvent{EventMeta: meta, ExpiryMs: wordUint(words[0])}, nil

	case KindContractState:
		if err := wantWords(kind, words, 1); err != nil {
			return nil, err
		}
		return ContractStateEvent{EventMeta: meta, Enabled: wordBool(words[0])}, nil

	case KindTokenState:
		if err := wantWords(kind, words, 2); err != nil {
			return nil, err
		}
		return TokenStateEvent{
			EventMeta: meta,
			Token:     wordAddress(words[0]),
			Enabled:   wordBool(words[1]),
		}, nil

	case KindFeeState:
		if err := wantWords(kind, words, 1); err != nil {
			return nil, err
		}
		// Fee percentage rides in the low byte of the word.
		return FeeStateEvent{EventMeta: meta, FeePercent: words[0][31]}, nil
	}

	return nil, &MalformedEventError{EventKind: kind, Detail: "unhandled kind"}
}

func kindForTopic(topic common.Hash) (Kind, bool) {
	switch topic {
	case TopicCreated:
		return KindCreated, true
	case TopicReleased:
		return KindReleased, true
	case TopicCanceled:
		return KindCanceled, true
	case TopicExpiryState:
		return KindExpiryState, true
	case TopicContractState:
		return KindContractState, true
	case TopicTokenState:
		return KindTokenState, true
	case TopicFeeState:
		return KindFeeState, true
	}
	return "", false
}

// splitWords segments log data into 32-byte ABI words.
func splitWords(kind Kind, data []byte) ([][32]byte, error) {
	if len(data)%32 != 0 {
		return nil, &MalformedEventError{
			EventKind: kind,
			Detail:    fmt.Sprintf("data length %d is not a multiple of 32", len(data)),
		}
	}
	words := make([][32]byte, 0, len(data)/32)
	for i := 0; i < len(data); i += 32 {
		var w [32]byte
		copy(w[:], data[i:i+32])
		words = append(words, w)
	}
	return words, nil
}

func wantWords(kind Kind, words [][32]byte, n int) error {
	if len(words) != n {
		return &MalformedEventError{
			EventKind: kind,
			Detail:    fmt.Sprintf("expected %d words, got %d", n, len(words)),
		}
	}
	return nil
}

// wordAddress reads an address from the low-order 20 bytes of a word.
func wordAddress(w [32]byte) common.Address {
	return common.BytesToAddress(w[12:])
}

func wordUint(w [32]byte) *big.Int {
	return new(big.Int).SetBytes(w[:])
}

func wordBool(w [32]byte) bool {
	return wordUint(w).Cmp(big.NewInt(1)) == 0
}
