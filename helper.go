package ledgerx

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// LocalHelper prepares a Postgres database for the server, the seeder and
// the integration tests.
type LocalHelper struct {
	DB *sql.DB
}

func NewLocalHelper(connStr string) (*LocalHelper, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &LocalHelper{DB: db}, nil
}

func (lh *LocalHelper) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(lh.DB, &postgres.Config{})
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", src, "postgres", driver)
}

// InitDB applies all pending migrations and returns a teardown func that
// reverts them and closes the connection.
func (lh *LocalHelper) InitDB() (func() error, error) {
	m, err := lh.migrator()
	if err != nil {
		return nil, err
	}
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, err
	}
	return lh.teardownDB(m), nil
}

func (lh *LocalHelper) teardownDB(m *migrate.Migrate) func() error {
	return func() error {
		defer lh.DB.Close()
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("DB cleanup migrate down: %w", err)
		}
		return nil
	}
}

type seedFile struct {
	Accounts []struct {
		AccountNumber  int64  `yaml:"account_number"`
		CustomerNumber int64  `yaml:"customer_number"`
		CustomerName   string `yaml:"customer_name"`
		Balance        string `yaml:"balance"`
		Status         string `yaml:"status"`
	} `yaml:"accounts"`
}

// LoadSeed decodes a YAML fixture of accounts, see testdata/accounts.yml.
func LoadSeed(r io.Reader) ([]Account, error) {
	var sf seedFile
	if err := yaml.NewDecoder(r).Decode(&sf); err != nil {
		return nil, err
	}
	accts := make([]Account, 0, len(sf.Accounts))
	for _, sa := range sf.Accounts {
		if sa.AccountNumber <= 0 {
			return nil, fmt.Errorf("seed account %q: account_number must be positive", sa.CustomerName)
		}
		bal := decimal.Zero
		if sa.Balance != "" {
			var err error
			if bal, err = decimal.NewFromString(sa.Balance); err != nil {
				return nil, fmt.Errorf("seed account %d: %w", sa.AccountNumber, err)
			}
			if err = CheckAmountRange(bal); err != nil {
				return nil, fmt.Errorf("seed account %d balance: %w", sa.AccountNumber, err)
			}
		}
		status := StatusOpen
		if sa.Status != "" {
			var err error
			if status, err = ParseStatus(sa.Status); err != nil {
				return nil, fmt.Errorf("seed account %d: %w", sa.AccountNumber, err)
			}
		}
		accts = append(accts, Account{
			AccountNumber:  sa.AccountNumber,
			CustomerNumber: sa.CustomerNumber,
			CustomerName:   sa.CustomerName,
			Balance:        bal,
			Status:         status,
		})
	}
	return accts, nil
}

// SeedAccounts inserts accts into repo. Accounts that already exist are
// overwritten with the fixture state, so seeding twice is harmless.
func SeedAccounts(ctx context.Context, repo Repository, accts []Account) (inserted, updated int, err error) {
	for i := range accts {
		acct := accts[i]
		_, found, err := repo.FindByAccountNumber(ctx, acct.AccountNumber)
		if err != nil {
			return inserted, updated, err
		}
		if found {
			if err = repo.Update(ctx, &acct); err != nil {
				return inserted, updated, err
			}
			updated++
			continue
		}
		if _, err = repo.Insert(ctx, &acct); err != nil {
			return inserted, updated, err
		}
		inserted++
	}
	return inserted, updated, nil
}
