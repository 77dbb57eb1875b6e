package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riplimit/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Row locks (SELECT ... FOR UPDATE) are taken in the same global order the
// memory store enforces; the ledger table is append-only at the schema level.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx, order: newLockOrder()}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const balanceColumns = `user_id, available, blocked, unpaid_auction_ids, updated_at, version`

func scanBalance(row pgx.Row) (*model.UserBalance, error) {
	var b model.UserBalance
	if err := row.Scan(&b.UserID, &b.Available, &b.Blocked, &b.UnpaidAuctionIDs, &b.UpdatedAt, &b.Version); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM user_balances WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.UserBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.UserBalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+balanceColumns+` FROM user_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []model.UserBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBlocks(ctx context.Context, userID string) ([]model.BlockRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, auction_id, amount, locked, created_at
		 FROM block_records WHERE user_id = $1 ORDER BY auction_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list blocks %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.BlockRecord
	for rows.Next() {
		var b model.BlockRecord
		if err := rows.Scan(&b.UserID, &b.AuctionID, &b.Amount, &b.Locked, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const transactionColumns = `id, user_id, type, amount, held_amount, lock_amount,
	COALESCE(auction_id, ''), COALESCE(actor_id, ''), COALESCE(reason, ''),
	COALESCE(idempotency_key, ''), status, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.HeldAmount, &t.LockAmount,
		&t.AuctionID, &t.ActorID, &t.Reason,
		&t.IdempotencyKey, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, f model.TransactionFilter) ([]model.Transaction, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions
		 WHERE user_id = $1 AND ($2 = '' OR type = $2)`,
		userID, string(f.Type)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions %s: %w", userID, err)
	}

	// LIMIT NULL means no limit.
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = $1 AND ($2 = '' OR type = $2)
		 ORDER BY seq DESC
		 LIMIT $3 OFFSET $4`,
		userID, string(f.Type), limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, total, nil
}

func (s *PostgresStore) UserLedger(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("user ledger %s: %w", userID, err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) LedgerTotals(ctx context.Context) (model.LedgerTotals, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type,
		        COALESCE(SUM(CASE type
		                         WHEN 'bid_lock' THEN lock_amount
		                         WHEN 'bid_block' THEN held_amount
		                         WHEN 'bid_release' THEN held_amount
		                         ELSE amount END), 0),
		        COUNT(*)
		 FROM transactions GROUP BY type`)
	if err != nil {
		return model.LedgerTotals{}, fmt.Errorf("ledger totals: %w", err)
	}
	defer rows.Close()

	totals := model.LedgerTotals{ByType: make(map[model.TransactionType]int64)}
	for rows.Next() {
		var typ model.TransactionType
		var sum, count int64
		if err := rows.Scan(&typ, &sum, &count); err != nil {
			return model.LedgerTotals{}, err
		}
		totals.ByType[typ] = sum
		totals.Count += count
	}
	return totals, rows.Err()
}

const auctionColumns = `id, seller_id, status, current_bid, COALESCE(current_bidder_id, ''),
	minimum_increment, reserve_price, buyout_price, start_time, end_time,
	COALESCE(winner_id, ''), version`

func scanAuction(row pgx.Row) (*model.Auction, error) {
	var a model.Auction
	if err := row.Scan(&a.ID, &a.SellerID, &a.Status, &a.CurrentBid, &a.CurrentBidderID,
		&a.MinimumIncrement, &a.ReservePrice, &a.BuyoutPrice, &a.StartTime, &a.EndTime,
		&a.WinnerID, &a.Version); err != nil {
		return nil, err
	}
	return &a, nil
}

func getAuction(ctx context.Context, q querier, id string, forUpdate bool) (*model.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAuction(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, seller_id, status, current_bid, current_bidder_id,
		                       minimum_increment, reserve_price, buyout_price,
		                       start_time, end_time, winner_id, version)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`,
		a.ID, a.SellerID, a.Status, a.CurrentBid, a.CurrentBidderID,
		a.MinimumIncrement, a.ReservePrice, a.BuyoutPrice,
		a.StartTime, a.EndTime, a.WinnerID, a.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create auction %s: %w", a.ID, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	return getAuction(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListAuctions(ctx context.Context, statuses ...model.AuctionStatus) ([]model.Auction, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE cardinality($1::TEXT[]) = 0 OR status = ANY($1)
		 ORDER BY end_time`, names)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	defer rows.Close()

	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const bidColumns = `id, auction_id, user_id, amount, blocked_amount, timestamp, is_winning`

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	if err := row.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.BlockedAmount,
		&b.Timestamp, &b.IsWinning); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids %s: %w", auctionID, err)
	}
	defer rows.Close()

	var out []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

const orderColumns = `id, user_id, kind, amount_rl, amount_paise, COALESCE(auction_id, ''),
	status, COALESCE(transaction_id, ''), created_at`

func getPaymentOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o model.PaymentOrder
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.UserID, &o.Kind, &o.AmountRL, &o.AmountPaise,
		&o.AuctionID, &o.Status, &o.TransactionID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) GetPaymentOrder(ctx context.Context, id string) (*model.PaymentOrder, error) {
	return getPaymentOrder(ctx, s.pool, id, false)
}

// --- Transactions ---

type pgTx struct {
	tx    pgx.Tx
	order lockOrder
}

// admit enforces the lock order. Row locks are re-entrant in PostgreSQL,
// so a held key needs no further work.
func (t *pgTx) admit(class int, id string) error {
	held, err := t.order.admit(class, id)
	if err != nil || held {
		return err
	}
	t.order.record(class, id)
	return nil
}

func (t *pgTx) GetAuctionForUpdate(ctx context.Context, id string) (*model.Auction, error) {
	if err := t.admit(classAuction, id); err != nil {
		return nil, err
	}
	return getAuction(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateAuction(ctx context.Context, a *model.Auction, expectedVersion int64) error {
	if err := t.admit(classAuction, a.ID); err != nil {
		return err
	}
	// Under READ COMMITTED a concurrent writer's commit makes the WHERE
	// clause re-evaluate against the new row, so a stale version matches 0 rows.
	tag, err := t.tx.Exec(ctx,
		`UPDATE auctions
		 SET status = $3, current_bid = $4, current_bidder_id = NULLIF($5, ''),
		     end_time = $6, winner_id = NULLIF($7, ''), version = version + 1
		 WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion, a.Status, a.CurrentBid, a.CurrentBidderID, a.EndTime, a.WinnerID)
	if err != nil {
		return fmt.Errorf("update auction %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getAuction(ctx, t.tx, a.ID, false); err != nil {
			return err
		}
		return fmt.Errorf("update auction %s at version %d: %w", a.ID, expectedVersion, ErrVersionConflict)
	}
	a.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) GetWinningBid(ctx context.Context, auctionID string) (*model.Bid, error) {
	b, err := scanBid(t.tx.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 AND is_winning`, auctionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("winning bid for auction %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get winning bid %s: %w", auctionID, err)
	}
	return b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bids (id, auction_id, user_id, amount, blocked_amount, timestamp, is_winning)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.AuctionID, b.UserID, b.Amount, b.BlockedAmount, b.Timestamp, b.IsWinning)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert bid %s: %w", b.ID, ErrDuplicateKey)
	}
	return err
}

func (t *pgTx) SetBidWinning(ctx context.Context, bidID string, winning bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE bids SET is_winning = $2 WHERE id = $1`, bidID, winning)
	if err != nil {
		return fmt.Errorf("set bid winning %s: %w", bidID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error {
	if err := t.admit(classOrder, o.ID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_orders (id, user_id, kind, amount_rl, amount_paise, auction_id,
		                             status, transaction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)`,
		o.ID, o.UserID, o.Kind, o.AmountRL, o.AmountPaise, o.AuctionID,
		o.Status, o.TransactionID, o.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create payment order %s: %w", o.ID, ErrDuplicateKey)
	}
	return err
}

func (t *pgTx) GetPaymentOrderForUpdate(ctx context.Context, id string) (*model.PaymentOrder, error) {
	if err := t.admit(classOrder, id); err != nil {
		return nil, err
	}
	return getPaymentOrder(ctx, t.tx, id, true)
}

func (t *pgTx) GetOpenAuctionOrder(ctx context.Context, userID, auctionID string) (*model.PaymentOrder, error) {
	var o model.PaymentOrder
	err := t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM payment_orders
		 WHERE user_id = $1 AND auction_id = $2 AND kind = 'auction_payment' AND status = 'created'`,
		userID, auctionID).Scan(&o.ID, &o.UserID, &o.Kind, &o.AmountRL, &o.AmountPaise,
		&o.AuctionID, &o.Status, &o.TransactionID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open order for %s/%s: %w", userID, auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get open order for %s/%s: %w", userID, auctionID, err)
	}
	return &o, nil
}

func (t *pgTx) UpdatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error {
	if err := t.admit(classOrder, o.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE payment_orders SET status = $2, transaction_id = NULLIF($3, '') WHERE id = $1`,
		o.ID, o.Status, o.TransactionID)
	if err != nil {
		return fmt.Errorf("update payment order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	if err := t.admit(classKey, key); err != nil {
		return nil, err
	}
	// Serialize concurrent users of the same key until this transaction ends.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return nil, fmt.Errorf("lock idempotency key: %w", err)
	}
	e, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction with key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by key: %w", err)
	}
	return e, nil
}

func (t *pgTx) LockBalances(ctx context.Context, userIDs ...string) (map[string]*model.UserBalance, error) {
	ids := sortedUnique(userIDs)
	for _, id := range ids {
		if err := t.admit(classUser, id); err != nil {
			return nil, err
		}
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO user_balances (user_id)
		 SELECT unnest($1::TEXT[]) ORDER BY 1
		 ON CONFLICT (user_id) DO NOTHING`, ids); err != nil {
		return nil, fmt.Errorf("ensure balances: %w", err)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT `+balanceColumns+` FROM user_balances
		 WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*model.UserBalance, len(ids))
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out[b.UserID] = b
	}
	return out, rows.Err()
}

func (t *pgTx) SaveBalance(ctx context.Context, b *model.UserBalance) error {
	unpaid := b.UnpaidAuctionIDs
	if unpaid == nil {
		unpaid = []string{}
	}
	err := t.tx.QueryRow(ctx,
		`UPDATE user_balances
		 SET available = $2, blocked = $3, unpaid_auction_ids = $4, updated_at = $5,
		     version = version + 1
		 WHERE user_id = $1
		 RETURNING version`,
		b.UserID, b.Available, b.Blocked, unpaid, b.UpdatedAt).Scan(&b.Version)
	if err != nil {
		return fmt.Errorf("save balance %s: %w", b.UserID, err)
	}
	return nil
}

func (t *pgTx) GetBlock(ctx context.Context, userID, auctionID string) (*model.BlockRecord, error) {
	var b model.BlockRecord
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, auction_id, amount, locked, created_at
		 FROM block_records WHERE user_id = $1 AND auction_id = $2`, userID, auctionID).
		Scan(&b.UserID, &b.AuctionID, &b.Amount, &b.Locked, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("block %s/%s: %w", userID, auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s/%s: %w", userID, auctionID, err)
	}
	return &b, nil
}

func (t *pgTx) PutBlock(ctx context.Context, b *model.BlockRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO block_records (user_id, auction_id, amount, locked, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, auction_id)
		 DO UPDATE SET amount = EXCLUDED.amount, locked = EXCLUDED.locked, created_at = EXCLUDED.created_at`,
		b.UserID, b.AuctionID, b.Amount, b.Locked, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("put block %s/%s: %w", b.UserID, b.AuctionID, err)
	}
	return nil
}

func (t *pgTx) DeleteBlock(ctx context.Context, userID, auctionID string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM block_records WHERE user_id = $1 AND auction_id = $2`, userID, auctionID)
	if err != nil {
		return fmt.Errorf("delete block %s/%s: %w", userID, auctionID, err)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, held_amount, lock_amount, auction_id,
		                           actor_id, reason, idempotency_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
		         NULLIF($10, ''), $11, $12)`,
		e.ID, e.UserID, e.Type, e.Amount, e.HeldAmount, e.LockAmount, e.AuctionID, e.ActorID,
		e.Reason, e.IdempotencyKey, e.Status, e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("append transaction %s: %w", e.IdempotencyKey, ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}
