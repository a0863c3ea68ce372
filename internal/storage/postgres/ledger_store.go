package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// ledgerLockKey serializes changesets across processes sharing one database.
const ledgerLockKey int64 = 0x6c6564676572 // "ledger"

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// Apply commits a changeset in one transaction and assigns Seq to its events.
func (s *LedgerStore) Apply(ctx context.Context, cs *domain.Changeset) (err error) {
	start := time.Now()
	defer func() { observability.RecordDBQuery("postgres", "apply", time.Since(start).Seconds(), err) }()

	if err := validateChangeset(cs); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}

	if err := insertAdvisor(ctx, tx, cs.Advisor); err != nil {
		return err
	}
	if err := insertPools(ctx, tx, cs.Pools); err != nil {
		return err
	}
	if err := insertTokens(ctx, tx, cs.Tokens); err != nil {
		return err
	}
	if err := applyPoolCredits(ctx, tx, cs.PoolCredits); err != nil {
		return err
	}
	if err := applyPositionCredits(ctx, tx, cs.PositionCredits); err != nil {
		return err
	}
	if err := applyMints(ctx, tx, cs.Mints); err != nil {
		return err
	}
	seqs, err := insertEvents(ctx, tx, cs.Events)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for i, e := range cs.Events {
		e.Seq = seqs[i]
	}
	return nil
}

// validateChangeset rejects malformed input before opening a transaction.
func validateChangeset(cs *domain.Changeset) error {
	if cs == nil {
		return storage.ErrInvalidInput
	}
	for _, p := range cs.Pools {
		if p == nil {
			return storage.ErrInvalidInput
		}
	}
	for _, t := range cs.Tokens {
		if t == nil {
			return storage.ErrInvalidInput
		}
	}
	for _, c := range cs.PoolCredits {
		if !validAmount(c.Amount) {
			return storage.ErrInvalidInput
		}
	}
	for _, c := range cs.PositionCredits {
		if !validAmount(c.Stable) || !validAmount(c.Volatile) {
			return storage.ErrInvalidInput
		}
	}
	for _, m := range cs.Mints {
		if !validAmount(m.Amount) {
			return storage.ErrInvalidInput
		}
	}
	for _, e := range cs.Events {
		if e == nil {
			return storage.ErrInvalidInput
		}
	}
	return nil
}

func validAmount(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}

func insertAdvisor(ctx context.Context, tx pgx.Tx, a *domain.Advisor) error {
	if a == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO advisors (
			address, name, stable_pct, volatile_pct, stable_pool, volatile_pool, token, onboarded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.Address.Hex(),
		a.Name,
		a.DefaultSplit.Stable,
		a.DefaultSplit.Volatile,
		a.StablePool.Hex(),
		a.VolatilePool.Hex(),
		addressParam(a.Token),
		a.OnboardedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert advisor: %w", err)
	}
	return nil
}

func insertPools(ctx context.Context, tx pgx.Tx, pools []*domain.Pool) error {
	for _, p := range pools {
		_, err := tx.Exec(ctx, `
			INSERT INTO pools (address, advisor, kind, native)
			VALUES ($1, $2, $3, $4::numeric)
		`, p.Address.Hex(), p.Advisor.Hex(), string(p.Kind), p.Native.String())
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			if isForeignKeyError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("insert pool: %w", err)
		}
		for asset, balance := range p.Balances {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pool_balances (pool, asset, balance) VALUES ($1, $2, $3::numeric)
			`, p.Address.Hex(), asset.Hex(), balance.String()); err != nil {
				return fmt.Errorf("insert pool balance: %w", err)
			}
		}
	}
	return nil
}

func insertTokens(ctx context.Context, tx pgx.Tx, tokens []*domain.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&count); err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}

	for i, t := range tokens {
		if t.Index != count+i {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO tokens (
				address, idx, name, symbol, decimals, owner, template,
				negligible_pool_size, initial_multiplier, total_supply, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11)
		`,
			t.Address.Hex(),
			t.Index,
			t.Name,
			t.Symbol,
			int16(t.Decimals),
			t.Owner.Hex(),
			addressParam(t.Template),
			t.NegligiblePoolSize.String(),
			t.InitialMultiplier.String(),
			t.TotalSupply.String(),
			t.CreatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			if isForeignKeyError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("insert token: %w", err)
		}
	}
	return nil
}

func applyPoolCredits(ctx context.Context, tx pgx.Tx, credits []domain.PoolCredit) error {
	for _, c := range credits {
		if c.Native {
			tag, err := tx.Exec(ctx, `
				UPDATE pools SET native = native + $2::numeric WHERE address = $1
			`, c.Pool.Hex(), c.Amount.String())
			if err != nil {
				return fmt.Errorf("credit native: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return storage.ErrNotFound
			}
			continue
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO pool_balances (pool, asset, balance)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT (pool, asset) DO UPDATE SET balance = pool_balances.balance + EXCLUDED.balance
		`, c.Pool.Hex(), c.Asset.Hex(), c.Amount.String())
		if err != nil {
			if isForeignKeyError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("credit pool balance: %w", err)
		}
	}
	return nil
}

func applyPositionCredits(ctx context.Context, tx pgx.Tx, credits []domain.PositionCredit) error {
	for _, c := range credits {
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (investor, advisor, stable_liquidity, volatile_liquidity, ordinal)
			VALUES ($1, $2, $3::numeric, $4::numeric,
				(SELECT COUNT(*) FROM positions WHERE investor = $1))
			ON CONFLICT (investor, advisor) DO UPDATE SET
				stable_liquidity = positions.stable_liquidity + EXCLUDED.stable_liquidity,
				volatile_liquidity = positions.volatile_liquidity + EXCLUDED.volatile_liquidity
		`, c.Investor.Hex(), c.Advisor.Hex(), c.Stable.String(), c.Volatile.String())
		if err != nil {
			if isForeignKeyError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("credit position: %w", err)
		}
	}
	return nil
}

func applyMints(ctx context.Context, tx pgx.Tx, mints []domain.Mint) error {
	for _, m := range mints {
		tag, err := tx.Exec(ctx, `
			UPDATE tokens SET total_supply = total_supply + $2::numeric WHERE address = $1
		`, m.Token.Hex(), m.Amount.String())
		if err != nil {
			return fmt.Errorf("increase supply: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO token_balances (token, holder, balance)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT (token, holder) DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance
		`, m.Token.Hex(), m.Holder.Hex(), m.Amount.String())
		if err != nil {
			return fmt.Errorf("credit token balance: %w", err)
		}
	}
	return nil
}

// insertEvents appends events after the current maximum Seq. Returns the assigned Seqs.
func insertEvents(ctx context.Context, tx pgx.Tx, events []*domain.Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&last); err != nil {
		return nil, fmt.Errorf("max event seq: %w", err)
	}

	seqs := make([]int64, len(events))
	for i, e := range events {
		seq := last + int64(i) + 1
		stored := *e
		stored.Seq = seq
		payload, err := json.Marshal(&stored)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_events (seq, id, kind, timestamp, advisor, token, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, seq, e.ID, string(e.Kind), e.Timestamp, addressParam(e.Advisor), addressParam(e.Token), payload)
		if err != nil {
			if isDuplicateKeyError(err) {
				return nil, storage.ErrDuplicateKey
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
		seqs[i] = seq
	}
	return seqs, nil
}

// GetAdvisor retrieves an advisor. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetAdvisor(ctx context.Context, advisor common.Address) (*domain.Advisor, error) {
	query := `
		SELECT address, name, stable_pct, volatile_pct, stable_pool, volatile_pool, token, onboarded_at
		FROM advisors
		WHERE address = $1
	`

	a, err := scanAdvisor(s.pool.QueryRow(ctx, query, advisor.Hex()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get advisor: %w", err)
	}
	return a, nil
}

// ListAdvisors retrieves all advisors in onboarding order.
func (s *LedgerStore) ListAdvisors(ctx context.Context) ([]*domain.Advisor, error) {
	query := `
		SELECT address, name, stable_pct, volatile_pct, stable_pool, volatile_pool, token, onboarded_at
		FROM advisors
		ORDER BY ordinal ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list advisors: %w", err)
	}
	defer rows.Close()

	var advisors []*domain.Advisor
	for rows.Next() {
		a, err := scanAdvisor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan advisor row: %w", err)
		}
		advisors = append(advisors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate advisor rows: %w", err)
	}
	return advisors, nil
}

// GetPool retrieves a pool with its balances. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetPool(ctx context.Context, pool common.Address) (*domain.Pool, error) {
	var address, advisor, kind, native string
	err := s.pool.QueryRow(ctx, `
		SELECT address, advisor, kind, native::text FROM pools WHERE address = $1
	`, pool.Hex()).Scan(&address, &advisor, &kind, &native)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}

	p := domain.NewPool(common.HexToAddress(address), common.HexToAddress(advisor), domain.PoolKind(kind))
	if p.Native, err = parseNumeric(native); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset, balance::text FROM pool_balances WHERE pool = $1
	`, pool.Hex())
	if err != nil {
		return nil, fmt.Errorf("get pool balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var asset, balance string
		if err := rows.Scan(&asset, &balance); err != nil {
			return nil, fmt.Errorf("scan pool balance row: %w", err)
		}
		v, err := parseNumeric(balance)
		if err != nil {
			return nil, err
		}
		p.Balances[common.HexToAddress(asset)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool balance rows: %w", err)
	}
	return p, nil
}

// GetPosition retrieves an investor's position with an advisor. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetPosition(ctx context.Context, investor, advisor common.Address) (*domain.Position, error) {
	query := `
		SELECT investor, advisor, stable_liquidity::text, volatile_liquidity::text, ordinal
		FROM positions
		WHERE investor = $1 AND advisor = $2
	`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, investor.Hex(), advisor.Hex()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositions retrieves an investor's positions in first-investment order.
func (s *LedgerStore) ListPositions(ctx context.Context, investor common.Address) ([]*domain.Position, error) {
	query := `
		SELECT investor, advisor, stable_liquidity::text, volatile_liquidity::text, ordinal
		FROM positions
		WHERE investor = $1
		ORDER BY ordinal ASC
	`

	rows, err := s.pool.Query(ctx, query, investor.Hex())
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := []*domain.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}

const tokenColumns = `
	address, idx, name, symbol, decimals, owner, template,
	negligible_pool_size::text, initial_multiplier::text, total_supply::text, created_at
`

// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetToken(ctx context.Context, token common.Address) (*domain.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE address = $1`, token.Hex()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// GetTokenByIndex retrieves the i-th registered token. Returns ErrNotFound past the end.
func (s *LedgerStore) GetTokenByIndex(ctx context.Context, index int) (*domain.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE idx = $1`, index))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by index: %w", err)
	}
	return t, nil
}

// ListTokens retrieves all tokens in registry order.
func (s *LedgerStore) ListTokens(ctx context.Context) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}

// BalanceOf retrieves a holder's token balance. Returns ErrNotFound if the token does not exist.
func (s *LedgerStore) BalanceOf(ctx context.Context, token, holder common.Address) (*domain.TokenBalance, error) {
	var balance string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(b.balance, 0)::text
		FROM tokens t
		LEFT JOIN token_balances b ON b.token = t.address AND b.holder = $2
		WHERE t.address = $1
	`, token.Hex(), holder.Hex()).Scan(&balance)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("balance of: %w", err)
	}

	v, err := parseNumeric(balance)
	if err != nil {
		return nil, err
	}
	return &domain.TokenBalance{Token: token, Holder: holder, Balance: v}, nil
}

// ListEvents retrieves up to limit events with Seq > afterSeq, ordered by Seq ASC. Limit 0 means all.
func (s *LedgerStore) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]*domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM ledger_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT NULLIF($2, 0)
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var e domain.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// scanAdvisor scans a single row into an Advisor.
func scanAdvisor(row pgx.Row) (*domain.Advisor, error) {
	var address, name, stablePool, volatilePool string
	var token *string
	var a domain.Advisor

	err := row.Scan(
		&address,
		&name,
		&a.DefaultSplit.Stable,
		&a.DefaultSplit.Volatile,
		&stablePool,
		&volatilePool,
		&token,
		&a.OnboardedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Address = common.HexToAddress(address)
	a.Name = name
	a.StablePool = common.HexToAddress(stablePool)
	a.VolatilePool = common.HexToAddress(volatilePool)
	a.Token = nullableAddress(token)
	return &a, nil
}

// scanPosition scans a single row into a Position.
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var investor, advisor, stable, volatile string
	var p domain.Position

	if err := row.Scan(&investor, &advisor, &stable, &volatile, &p.Ordinal); err != nil {
		return nil, err
	}

	var err error
	if p.StableLiquidity, err = parseNumeric(stable); err != nil {
		return nil, err
	}
	if p.VolatileLiquidity, err = parseNumeric(volatile); err != nil {
		return nil, err
	}
	p.Investor = common.HexToAddress(investor)
	p.Advisor = common.HexToAddress(advisor)
	return &p, nil
}

// scanToken scans a single row into a Token.
func scanToken(row pgx.Row) (*domain.Token, error) {
	var address, owner, threshold, multiplier, supply string
	var template *string
	var decimals int16
	var t domain.Token

	err := row.Scan(
		&address,
		&t.Index,
		&t.Name,
		&t.Symbol,
		&decimals,
		&owner,
		&template,
		&threshold,
		&multiplier,
		&supply,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.NegligiblePoolSize, err = parseNumeric(threshold); err != nil {
		return nil, err
	}
	if t.InitialMultiplier, err = parseNumeric(multiplier); err != nil {
		return nil, err
	}
	if t.TotalSupply, err = parseNumeric(supply); err != nil {
		return nil, err
	}
	t.Address = common.HexToAddress(address)
	t.Owner = common.HexToAddress(owner)
	t.Template = nullableAddress(template)
	t.Decimals = uint8(decimals)
	return &t, nil
}
