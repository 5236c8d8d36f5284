package krist

import "context"

// NodeClient defines the contract for talking to a Krist node.
//
// All methods take a context for cancellation and deadlines. Transport
// failures are returned as network or timeout ServiceErrors; structured
// refusals from the node are returned as node ServiceErrors carrying the
// node's error code in the "code" context key.
type NodeClient interface {
	// GetChainInfo returns the current block id and work target.
	GetChainInfo(ctx context.Context) (ChainInfo, error)

	// SubmitSolution submits a nonce mined for block on behalf of address.
	// The node derives the block itself; block is carried for logging.
	SubmitSolution(ctx context.Context, address, block, nonce string) (SubmitStatus, error)

	// AddressFor returns the address controlled by privateKey.
	AddressFor(ctx context.Context, privateKey string) (string, error)

	// Balance returns the balance of address, zero for unknown addresses.
	Balance(ctx context.Context, address string) (int64, error)

	// Transfer sends amount from the address of fromKey to to, which may be
	// a plain address or a name such as meta@name.kst.
	Transfer(ctx context.Context, fromKey, to string, amount int64) (*Transaction, error)
}

var _ NodeClient = (*HTTPClient)(nil)
