package ledgerx

import (
	"context"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/arhyth/ledgerx Repository

// Repository maps account numbers to accounts. Implementations must make
// Modify a serialization point per account: two concurrent Modify calls on the
// same account number never interleave their load and persist steps.
type Repository interface {
	FindAll(ctx context.Context) ([]Account, error)
	// FindByAccountNumber reports a miss as (nil, false, nil).
	FindByAccountNumber(ctx context.Context, acctNum int64) (*Account, bool, error)
	// Insert assigns the identity; acct.ID must be zero.
	Insert(ctx context.Context, acct *Account) (*Account, error)
	Update(ctx context.Context, acct *Account) error
	// Modify loads the account under lock, applies fn and persists the result
	// in a single atomic unit. An error from fn aborts without persisting.
	Modify(ctx context.Context, acctNum int64, fn func(*Account) error) (*Account, error)
	Close() error
}

// NewRepository builds the backend selected by cfg.Driver.
func NewRepository(ctx context.Context, cfg StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(cfg.NodeID)
	case DriverPostgres:
		return NewPostgresEndpoint(ctx, cfg.Postgres.ConnStr)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func errPresetID() error {
	return ErrBadRequest{Fields: map[string]string{"id": "id was invalidly set on request"}}
}
