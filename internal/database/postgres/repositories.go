package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/kristminer/pkg/errors"
)

// BlockRepository handles block change history
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock records a block change
func (r *BlockRepository) CreateBlock(ctx context.Context, block *BlockRecord) error {
	query := `
		INSERT INTO mining_blocks (miner, block, target, version, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Miner, block.Block, int64(block.Target), int64(block.Version), block.ObservedAt,
	).Scan(&block.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create_block",
			"failed to record block").WithContext("block", block.Block)
	}
	return nil
}

// LatestBlock returns the most recent block change for a miner
func (r *BlockRepository) LatestBlock(ctx context.Context, miner string) (*BlockRecord, error) {
	query := `
		SELECT id, miner, block, target, version, observed_at
		FROM mining_blocks WHERE miner = $1
		ORDER BY observed_at DESC LIMIT 1`

	var target, version int64
	block := &BlockRecord{}
	err := r.db.QueryRowContext(ctx, query, miner).Scan(
		&block.ID, &block.Miner, &block.Block, &target, &version, &block.ObservedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "latest_block",
			"failed to get latest block")
	}
	block.Target = uint64(target)
	block.Version = uint64(version)
	return block, nil
}

// SubmissionRepository handles submission history
type SubmissionRepository struct {
	db *sql.DB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// CreateSubmission records a submission outcome
func (r *SubmissionRepository) CreateSubmission(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO mining_submissions (miner, address, block, nonce, device_id, version, result, message, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		sub.Miner, sub.Address, sub.Block, sub.Nonce, sub.DeviceID,
		int64(sub.Version), sub.Result, sub.Message, sub.SubmittedAt,
	).Scan(&sub.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create_submission",
			"failed to record submission").
			WithContext("block", sub.Block).
			WithContext("nonce", sub.Nonce)
	}
	return nil
}

// RecentSubmissions returns the latest submissions for a miner, newest first
func (r *SubmissionRepository) RecentSubmissions(ctx context.Context, miner string, limit int) ([]*Submission, error) {
	query := `
		SELECT id, miner, address, block, nonce, device_id, version, result, message, submitted_at
		FROM mining_submissions WHERE miner = $1
		ORDER BY submitted_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, miner, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "recent_submissions",
			"failed to query submissions")
	}
	defer func() { _ = rows.Close() }()

	var subs []*Submission
	for rows.Next() {
		var version int64
		sub := &Submission{}
		if err := rows.Scan(
			&sub.ID, &sub.Miner, &sub.Address, &sub.Block, &sub.Nonce,
			&sub.DeviceID, &version, &sub.Result, &sub.Message, &sub.SubmittedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "recent_submissions",
				"failed to scan submission")
		}
		sub.Version = uint64(version)
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "recent_submissions",
			"error iterating submissions")
	}
	return subs, nil
}

// CountByResult counts a miner's submissions per outcome since a time
func (r *SubmissionRepository) CountByResult(ctx context.Context, miner string, since time.Time) ([]ResultCount, error) {
	query := `
		SELECT result, COUNT(*)
		FROM mining_submissions WHERE miner = $1 AND submitted_at >= $2
		GROUP BY result ORDER BY result`

	rows, err := r.db.QueryContext(ctx, query, miner, since)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "count_submissions",
			"failed to count submissions")
	}
	defer func() { _ = rows.Close() }()

	var counts []ResultCount
	for rows.Next() {
		var rc ResultCount
		if err := rows.Scan(&rc.Result, &rc.Count); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "count_submissions",
				"failed to scan count")
		}
		counts = append(counts, rc)
	}
	return counts, rows.Err()
}

// PayoutRepository handles relay payout history
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreatePayout records a relay transfer
func (r *PayoutRepository) CreatePayout(ctx context.Context, payout *Payout) error {
	query := `
		INSERT INTO relay_payouts (miner, from_addr, to_addr, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		payout.Miner, payout.From, payout.To, payout.Amount, payout.CreatedAt,
	).Scan(&payout.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create_payout",
			"failed to record payout").WithContext("amount", payout.Amount)
	}
	return nil
}

// TotalPaid sums every payout recorded for a miner
func (r *PayoutRepository) TotalPaid(ctx context.Context, miner string) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM relay_payouts WHERE miner = $1`, miner,
	).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "total_paid",
			"failed to sum payouts")
	}
	return total.Int64, nil
}
