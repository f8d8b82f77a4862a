package balance

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"propex/src/config"
	"propex/src/ledger"
)

// Holding is one trader's opening token position on one instrument.
type Holding struct {
	InstrumentID string
	Quantity     int64
}

// Opening is a trader's opening state from the external ledger of record.
// Deposits and withdrawals live in that store; trading activity is replayed on
// top from the event log.
type Opening struct {
	TraderID string
	Cash     int64
	Holdings []Holding
}

// Source is the external balance-of-record collaborator. The in-memory ledger
// is seeded from it on every restart.
type Source interface {
	OpeningBalances(ctx context.Context) ([]Opening, error)
}

// Apply seeds the ledger with opening balances. Must run before event log
// replay so reservations and settlements land on funded accounts.
func Apply(l *ledger.Ledger, openings []Opening) error {
	for _, op := range openings {
		if err := l.Deposit(op.TraderID, op.Cash); err != nil {
			return errors.Wrapf(err, "apply opening cash for %s", op.TraderID)
		}
		for _, h := range op.Holdings {
			if err := l.Grant(op.TraderID, h.InstrumentID, h.Quantity); err != nil {
				return errors.Wrapf(err, "apply opening holding %s for %s", h.InstrumentID, op.TraderID)
			}
		}
	}
	return nil
}

// StaticSource serves openings straight from the config file. Development
// stand-in for the SQL store.
type StaticSource []config.OpeningBalanceConfig

func (s StaticSource) OpeningBalances(_ context.Context) ([]Opening, error) {
	out := make([]Opening, 0, len(s))
	for _, ob := range s {
		op := Opening{TraderID: ob.TraderID, Cash: ob.Cash}
		for _, h := range ob.Holdings {
			op.Holdings = append(op.Holdings, Holding{InstrumentID: h.InstrumentID, Quantity: h.Quantity})
		}
		out = append(out, op)
	}
	return out, nil
}

// SQLSource reads opening balances from the durable balance database.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(dsn string) (*SQLSource, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open balance database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping balance database")
	}
	return &SQLSource{db: db}, nil
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) OpeningBalances(ctx context.Context) ([]Opening, error) {
	byTrader := make(map[string]*Opening)

	rows, err := s.db.QueryContext(ctx, "SELECT trader_id, cash_cents FROM trader_balances")
	if err != nil {
		return nil, errors.Wrap(err, "query trader balances")
	}
	defer rows.Close()
	for rows.Next() {
		var traderID string
		var cash int64
		if err := rows.Scan(&traderID, &cash); err != nil {
			return nil, errors.Wrap(err, "scan trader balance")
		}
		byTrader[traderID] = &Opening{TraderID: traderID, Cash: cash}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate trader balances")
	}

	holdingRows, err := s.db.QueryContext(ctx, "SELECT trader_id, instrument_id, quantity FROM trader_holdings")
	if err != nil {
		return nil, errors.Wrap(err, "query trader holdings")
	}
	defer holdingRows.Close()
	for holdingRows.Next() {
		var traderID, instrumentID string
		var quantity int64
		if err := holdingRows.Scan(&traderID, &instrumentID, &quantity); err != nil {
			return nil, errors.Wrap(err, "scan trader holding")
		}
		op, ok := byTrader[traderID]
		if !ok {
			op = &Opening{TraderID: traderID}
			byTrader[traderID] = op
		}
		op.Holdings = append(op.Holdings, Holding{InstrumentID: instrumentID, Quantity: quantity})
	}
	if err := holdingRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate trader holdings")
	}

	out := make([]Opening, 0, len(byTrader))
	for _, op := range byTrader {
		out = append(out, *op)
	}
	return out, nil
}
