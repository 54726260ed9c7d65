package ledgerx

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/arhyth/ledgerx Service

type ChargeReq struct {
	AcctNum int64 `validate:"gt=0"`
	Amount  decimal.Decimal
}

// CreateAccountReq mirrors the JSON body of a create request. ID and
// AccountNumber are pointers so that presence can be told apart from zero.
type CreateAccountReq struct {
	ID             *int64          `json:"id"`
	AccountNumber  *int64          `json:"accountNumber" validate:"required,gt=0"`
	CustomerNumber int64           `json:"customerNumber" validate:"gte=0"`
	CustomerName   string          `json:"customerName" validate:"max=255"`
	Balance        decimal.Decimal `json:"balance"`
}

type UpdateCustomerReq struct {
	AcctNum        int64  `json:"-" validate:"gt=0"`
	CustomerNumber int64  `json:"customerNumber" validate:"gte=0"`
	CustomerName   string `json:"customerName" validate:"required,max=255"`
}

type Service interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, acctNum int64) (*Account, error)
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (*Account, error)
	Deposit(ctx context.Context, req ChargeReq) (*Account, error)
	Withdraw(ctx context.Context, req ChargeReq) (*Account, error)
	CloseAccount(ctx context.Context, acctNum int64) error
	MarkOverdrawn(ctx context.Context, acctNum int64) (*Account, error)
	RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (*Account, error)
	Statement(ctx context.Context, w io.Writer, acctNum int64) error
}

var (
	_ Service = (*serviceImpl)(nil)
)

func NewService(repo Repository, log *zerolog.Logger) *serviceImpl {
	return &serviceImpl{
		repo: repo,
		log:  log,
		now:  time.Now,
	}
}

type serviceImpl struct {
	repo Repository
	log  *zerolog.Logger
	now  func() time.Time
}

func (s *serviceImpl) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.FindAll(ctx)
}

func (s *serviceImpl) GetAccount(ctx context.Context, acctNum int64) (*Account, error) {
	acct, found, err := s.repo.FindByAccountNumber(ctx, acctNum)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound{AccountNumber: acctNum}
	}
	return acct, nil
}

func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if req.ID != nil {
		return nil, errPresetID()
	}
	if req.AccountNumber == nil {
		return nil, ErrBadRequest{Fields: map[string]string{"accountNumber": "no account number specified"}}
	}

	acct := &Account{
		AccountNumber:  *req.AccountNumber,
		CustomerNumber: req.CustomerNumber,
		CustomerName:   req.CustomerName,
		Balance:        req.Balance,
		Status:         StatusOpen,
	}
	created, err := s.repo.Insert(ctx, acct)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Int64("acctNum", created.AccountNumber).
		Int64("id", created.ID).
		Msg("account created")
	return created, nil
}

func (s *serviceImpl) UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (*Account, error) {
	return s.repo.Modify(ctx, req.AcctNum, func(a *Account) error {
		a.CustomerNumber = req.CustomerNumber
		a.CustomerName = req.CustomerName
		return nil
	})
}

func (s *serviceImpl) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	return s.repo.Modify(ctx, req.AcctNum, func(a *Account) error {
		a.Deposit(req.Amount)
		return nil
	})
}

// Withdraw rejects OVERDRAWN accounts before touching the balance. The
// resulting balance may go negative; status is left as is.
func (s *serviceImpl) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	return s.repo.Modify(ctx, req.AcctNum, func(a *Account) error {
		if a.Status == StatusOverdrawn {
			return ErrConflict{AccountNumber: a.AccountNumber, Status: a.Status}
		}
		a.Withdraw(req.Amount)
		return nil
	})
}

func (s *serviceImpl) CloseAccount(ctx context.Context, acctNum int64) error {
	_, err := s.repo.Modify(ctx, acctNum, func(a *Account) error {
		a.Close()
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Int64("acctNum", acctNum).Msg("account closed")
	return nil
}

func (s *serviceImpl) MarkOverdrawn(ctx context.Context, acctNum int64) (*Account, error) {
	return s.repo.Modify(ctx, acctNum, func(a *Account) error {
		a.MarkOverdrawn()
		return nil
	})
}

func (s *serviceImpl) RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (*Account, error) {
	return s.repo.Modify(ctx, acctNum, func(a *Account) error {
		a.RemoveOverdrawnStatus()
		return nil
	})
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, acctNum int64) error {
	acct, err := s.GetAccount(ctx, acctNum)
	if err != nil {
		return err
	}
	return WriteStatement(w, *acct, s.now())
}
