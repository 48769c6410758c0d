// Package contracts holds the contract ABI fragments the service
// submits transactions against.
package contracts

// GoghABI covers the escrow contract functions this service calls. The
// contract re-verifies both signatures on-chain before moving funds.
const GoghABI = `[
	{"inputs":[{"name":"escrowId","type":"address"},{"name":"buyerSignature","type":"bytes"},{"name":"sellerSignature","type":"bytes"}],"name":"releaseEscrow","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// EASABI is the attest entry point of the Ethereum Attestation Service
// predeploy. The request tuple mirrors the EAS AttestationRequest
// struct.
const EASABI = `[
	{"inputs":[{"components":[{"name":"schema","type":"bytes32"},{"components":[{"name":"recipient","type":"address"},{"name":"expirationTime","type":"uint64"},{"name":"revocable","type":"bool"},{"name":"refUID","type":"bytes32"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"}],"name":"data","type":"tuple"}],"name":"request","type":"tuple"}],"name":"attest","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"payable","type":"function"}
]`

// AttestationSchema is the registered EAS schema for escrow settlement
// attestations.
const AttestationSchema = "address escrowId,address buyer,address seller,address token,uint256 amount"
