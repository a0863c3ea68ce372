package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// AuditStore implements storage.AuditStore using ClickHouse.
// Investment and transfer payloads are flattened into columns.
type AuditStore struct {
	conn *Conn
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(conn *Conn) *AuditStore {
	return &AuditStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

const auditColumns = `
	seq, id, kind, timestamp, advisor, token,
	investor, asset, stablecoin_amount, volatile_amount, eth_amount,
	transfer_from, transfer_to, transfer_value
`

// InsertBulk appends events. Fails entire batch on duplicate seq.
func (s *AuditStore) InsertBulk(ctx context.Context, events []*domain.Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "audit_insert", time.Since(start).Seconds(), err) }()

	// Check for intra-batch duplicates
	seen := make(map[int64]struct{}, len(events))
	seqs := make([]int64, 0, len(events))
	for _, e := range events {
		if e == nil || e.Seq <= 0 {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[e.Seq]; exists {
			return storage.ErrDuplicateKey
		}
		seen[e.Seq] = struct{}{}
		seqs = append(seqs, e.Seq)
	}

	// Check for duplicates against existing DB rows
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count(*) FROM ledger_events WHERE has(?, seq)`, seqs).Scan(&count); err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO ledger_events (`+auditColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		r := flattenEvent(e)
		err = batch.Append(
			r.seq, r.id, r.kind, r.timestamp, r.advisor, r.token,
			r.investor, r.asset, r.stablecoin, r.volatile, r.eth,
			r.from, r.to, r.value,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// LastSeq returns the highest stored seq, 0 when empty.
func (s *AuditStore) LastSeq(ctx context.Context) (int64, error) {
	var last int64
	if err := s.conn.QueryRow(ctx, `SELECT max(seq) FROM ledger_events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return last, nil
}

// GetByAdvisor retrieves investment events of an advisor, ordered by seq ASC.
func (s *AuditStore) GetByAdvisor(ctx context.Context, advisor common.Address) ([]*domain.Event, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM ledger_events FINAL
		WHERE kind = ? AND advisor = ?
		ORDER BY seq ASC
	`

	rows, err := s.conn.Query(ctx, query, string(domain.EventInvestment), advisor.Hex())
	if err != nil {
		return nil, fmt.Errorf("query by advisor: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *AuditStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.Event, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM ledger_events FINAL
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY seq ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// auditRow is the flattened column layout of ledger_events.
type auditRow struct {
	seq        int64
	id         uuid.UUID
	kind       string
	timestamp  int64
	advisor    string
	token      string
	investor   string
	asset      string
	stablecoin string
	volatile   string
	eth        string
	from       string
	to         string
	value      string
}

func flattenEvent(e *domain.Event) auditRow {
	r := auditRow{
		seq:       e.Seq,
		id:        e.ID,
		kind:      string(e.Kind),
		timestamp: e.Timestamp,
		advisor:   addressColumn(e.Advisor),
		token:     addressColumn(e.Token),
	}
	if inv := e.Investment; inv != nil {
		if r.advisor == "" {
			r.advisor = inv.Advisor.Hex()
		}
		r.investor = inv.Investor.Hex()
		r.asset = inv.Asset.Hex()
		r.stablecoin = amountColumn(inv.StablecoinAmount)
		r.volatile = amountColumn(inv.VolatileAmount)
		r.eth = amountColumn(inv.EthAmount)
	}
	if tr := e.Transfer; tr != nil {
		r.from = tr.From.Hex()
		r.to = tr.To.Hex()
		r.value = amountColumn(tr.Value)
	}
	return r
}

func (r auditRow) event() (*domain.Event, error) {
	e := &domain.Event{
		ID:        r.id,
		Seq:       r.seq,
		Kind:      domain.EventKind(r.kind),
		Timestamp: r.timestamp,
		Advisor:   parseAddressColumn(r.advisor),
		Token:     parseAddressColumn(r.token),
	}

	if r.investor != "" {
		inv := &domain.Investment{
			Investor: common.HexToAddress(r.investor),
			Asset:    common.HexToAddress(r.asset),
		}
		if e.Advisor != nil {
			inv.Advisor = *e.Advisor
		}
		var err error
		if inv.StablecoinAmount, err = parseAmountColumn(r.stablecoin); err != nil {
			return nil, err
		}
		if inv.VolatileAmount, err = parseAmountColumn(r.volatile); err != nil {
			return nil, err
		}
		if inv.EthAmount, err = parseAmountColumn(r.eth); err != nil {
			return nil, err
		}
		e.Investment = inv
	}

	if r.from != "" {
		value, err := parseAmountColumn(r.value)
		if err != nil {
			return nil, err
		}
		e.Transfer = &domain.Transfer{
			From:  common.HexToAddress(r.from),
			To:    common.HexToAddress(r.to),
			Value: value,
		}
	}
	return e, nil
}

// scanEvents scans multiple rows.
func scanEvents(rows chRows) ([]*domain.Event, error) {
	var events []*domain.Event

	for rows.Next() {
		var r auditRow
		err := rows.Scan(
			&r.seq, &r.id, &r.kind, &r.timestamp, &r.advisor, &r.token,
			&r.investor, &r.asset, &r.stablecoin, &r.volatile, &r.eth,
			&r.from, &r.to, &r.value,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e, err := r.event()
		if err != nil {
			return nil, fmt.Errorf("decode event row %d: %w", r.seq, err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}
