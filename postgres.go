package ledgerx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

var (
	pgSelectAllAcctsSQL = `
		SELECT id, account_number, customer_number, customer_name, balance::text, status
		FROM accounts
		ORDER BY account_number;
	`

	pgSelectAcctSQL = `
		SELECT id, account_number, customer_number, customer_name, balance::text, status
		FROM accounts
		WHERE account_number = $1;
	`

	pgSelectForUpdateAcctSQL = `
		SELECT id, account_number, customer_number, customer_name, balance::text, status
		FROM accounts
		WHERE account_number = $1
		FOR UPDATE;
	`

	pgInsertAcctSQL = `
		INSERT INTO accounts (account_number, customer_number, customer_name, balance, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET customer_number = $1, customer_name = $2, balance = $3, status = $4
		WHERE account_number = $5;
	`
)

type PostgresEndpoint struct {
	pool *pgxpool.Pool
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, connStr string) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) FindAll(ctx context.Context) ([]Account, error) {
	rows, err := pg.pool.Query(ctx, pgSelectAllAcctsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

func (pg *PostgresEndpoint) FindByAccountNumber(ctx context.Context, acctNum int64) (*Account, bool, error) {
	acct, err := scanAccount(pg.pool.QueryRow(ctx, pgSelectAcctSQL, acctNum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return acct, true, nil
}

func (pg *PostgresEndpoint) Insert(ctx context.Context, acct *Account) (*Account, error) {
	if acct.ID != 0 {
		return nil, errPresetID()
	}

	stored := *acct
	row := pg.pool.QueryRow(ctx, pgInsertAcctSQL,
		acct.AccountNumber,
		acct.CustomerNumber,
		acct.CustomerName,
		acct.Balance.String(),
		acct.Status.String(),
	)
	if err := row.Scan(&stored.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateAccount{AccountNumber: acct.AccountNumber}
		}
		return nil, err
	}
	return &stored, nil
}

func (pg *PostgresEndpoint) Update(ctx context.Context, acct *Account) error {
	tag, err := pg.pool.Exec(ctx, pgUpdateAcctSQL,
		acct.CustomerNumber,
		acct.CustomerName,
		acct.Balance.String(),
		acct.Status.String(),
		acct.AccountNumber,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{AccountNumber: acct.AccountNumber}
	}
	return nil
}

// Modify locks the account row with SELECT ... FOR UPDATE so concurrent
// writers on the same account queue behind each other until commit.
func (pg *PostgresEndpoint) Modify(ctx context.Context, acctNum int64, fn func(*Account) error) (*Account, error) {
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			zerolog.Ctx(ctx).Err(rerr).Int64("acctNum", acctNum).Msg("transaction rollback fail")
		}
	}()

	acct, err := scanAccount(tx.QueryRow(ctx, pgSelectForUpdateAcctSQL, acctNum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{AccountNumber: acctNum}
		}
		return nil, err
	}

	id := acct.ID
	if err = fn(acct); err != nil {
		return nil, err
	}
	acct.ID = id
	acct.AccountNumber = acctNum

	if _, err = tx.Exec(ctx, pgUpdateAcctSQL,
		acct.CustomerNumber,
		acct.CustomerName,
		acct.Balance.String(),
		acct.Status.String(),
		acctNum,
	); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (pg *PostgresEndpoint) Close() error {
	pg.pool.Close()
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		acct   Account
		rbal   string
		rstats string
	)
	if err := row.Scan(
		&acct.ID,
		&acct.AccountNumber,
		&acct.CustomerNumber,
		&acct.CustomerName,
		&rbal,
		&rstats,
	); err != nil {
		return nil, err
	}

	bal, err := decimal.NewFromString(rbal)
	if err != nil {
		return nil, fmt.Errorf("account %d balance: %w", acct.AccountNumber, err)
	}
	status, err := ParseStatus(rstats)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", acct.AccountNumber, err)
	}
	acct.Balance = bal
	acct.Status = status
	return &acct, nil
}
