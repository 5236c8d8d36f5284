// Package krist provides the HTTP client for a Krist node.
package krist

// ChainInfo is the mining-relevant view of the node: the block the next
// solution must extend and the work target it must meet.
type ChainInfo struct {
	BlockID string
	Target  uint64
}

// SubmitStatus is the node's verdict on a submitted solution.
type SubmitStatus int

const (
	// SubmitAccepted means the solution mined a block.
	SubmitAccepted SubmitStatus = iota
	// SubmitRejected means the digest does not meet the current target.
	SubmitRejected
	// SubmitStale means the block already advanced or the nonce was already used.
	SubmitStale
)

// String returns string representation of the status
func (s SubmitStatus) String() string {
	switch s {
	case SubmitAccepted:
		return "accepted"
	case SubmitRejected:
		return "rejected"
	case SubmitStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Node error codes the client interprets.
const (
	ErrCodeSolutionIncorrect = "solution_incorrect"
	ErrCodeSolutionDuplicate = "solution_duplicate"
	ErrCodeAddressNotFound   = "address_not_found"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeMiningDisabled    = "mining_disabled"
)

// envelope is the common shape of every node response.
type envelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type workResponse struct {
	envelope
	Work uint64 `json:"work"`
}

// Block is a mined block as reported by the node.
type Block struct {
	Height     int64  `json:"height"`
	Address    string `json:"address"`
	Hash       string `json:"hash"`
	ShortHash  string `json:"short_hash"`
	Value      int64  `json:"value"`
	Time       string `json:"time"`
	Difficulty uint64 `json:"difficulty"`
}

type lastBlockResponse struct {
	envelope
	Block Block `json:"block"`
}

type submitRequest struct {
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

type submitResponse struct {
	envelope
	Success bool   `json:"success"`
	Work    uint64 `json:"work"`
	Address string `json:"address"`
	Block   *Block `json:"block,omitempty"`
}

type loginRequest struct {
	PrivateKey string `json:"privatekey"`
}

type loginResponse struct {
	envelope
	Authed  bool   `json:"authed"`
	Address string `json:"address"`
}

// Address is an account as reported by the node.
type Address struct {
	Address  string `json:"address"`
	Balance  int64  `json:"balance"`
	TotalIn  int64  `json:"totalin"`
	TotalOut int64  `json:"totalout"`
}

type addressResponse struct {
	envelope
	Address Address `json:"address"`
}

type transferRequest struct {
	PrivateKey string `json:"privatekey"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
	Metadata   string `json:"metadata,omitempty"`
}

// Transaction is a completed transfer.
type Transaction struct {
	ID       int64  `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Value    int64  `json:"value"`
	Time     string `json:"time"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type"`
	SentName string `json:"sent_name,omitempty"`
}

type transferResponse struct {
	envelope
	Transaction Transaction `json:"transaction"`
}
