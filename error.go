package ledgerx

import (
	"errors"
	"fmt"
)

var (
	ErrInternalServer = errors.New("internal server error")
	ErrOverloaded     = errors.New("service overloaded, try again later")
)

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrNotFound struct {
	AccountNumber int64 `json:"accountNumber"`
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("account with %d does not exist", e.AccountNumber)
}

// ErrConflict is returned when the account's status forbids the operation.
type ErrConflict struct {
	AccountNumber int64  `json:"accountNumber"`
	Status        Status `json:"accountStatus"`
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("account %d is %s, no further withdrawals permitted", e.AccountNumber, e.Status)
}

type ErrDuplicateAccount struct {
	AccountNumber int64 `json:"accountNumber"`
}

func (e ErrDuplicateAccount) Error() string {
	return fmt.Sprintf("account number %d already exists", e.AccountNumber)
}
