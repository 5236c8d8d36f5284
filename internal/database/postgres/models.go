package postgres

import (
	"time"
)

// BlockRecord is one observed block change
type BlockRecord struct {
	ID         int64     `db:"id" json:"id"`
	Miner      string    `db:"miner" json:"miner"`
	Block      string    `db:"block" json:"block"`
	Target     uint64    `db:"target" json:"target"`
	Version    uint64    `db:"version" json:"version"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at"`
}

// Submission is one solution sent to the node and its outcome
type Submission struct {
	ID          int64     `db:"id" json:"id"`
	Miner       string    `db:"miner" json:"miner"`
	Address     string    `db:"address" json:"address"`
	Block       string    `db:"block" json:"block"`
	Nonce       string    `db:"nonce" json:"nonce"`
	DeviceID    int       `db:"device_id" json:"device_id"`
	Version     uint64    `db:"version" json:"version"`
	Result      string    `db:"result" json:"result"`
	Message     string    `db:"message" json:"message"`
	SubmittedAt time.Time `db:"submitted_at" json:"submitted_at"`
}

// Payout is one relay forwarding transfer
type Payout struct {
	ID        int64     `db:"id" json:"id"`
	Miner     string    `db:"miner" json:"miner"`
	From      string    `db:"from_addr" json:"from_addr"`
	To        string    `db:"to_addr" json:"to_addr"`
	Amount    int64     `db:"amount" json:"amount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ResultCount is the number of submissions with one outcome
type ResultCount struct {
	Result string `db:"result" json:"result"`
	Count  int64  `db:"count" json:"count"`
}
