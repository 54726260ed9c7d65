package ledgerx

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts and balances must fit NUMERIC(38,18): at most 20 integer digits
// and 18 fractional digits.
const (
	MaxAmountIntDigits = 20
	MaxAmountScale     = 18
)

var (
	errAmountScale = fmt.Errorf("at most %d decimal places", MaxAmountScale)
	errAmountRange = fmt.Errorf("at most %d integer digits", MaxAmountIntDigits)
)

// CheckAmountRange rejects values outside NUMERIC(38,18) before any arithmetic
// is done on them. It only inspects exponent and coefficient, so a huge
// exponent such as 1e20000000 is refused without being expanded.
func CheckAmountRange(d decimal.Decimal) error {
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale {
		return errAmountScale
	}
	c := d.Coefficient()
	digits := int64(len(c.Abs(c).String()))
	if digits+exp > MaxAmountIntDigits {
		return errAmountRange
	}
	return nil
}

type Status int

const (
	StatusOpen Status = iota
	StatusOverdrawn
	StatusClosed
)

var statusNames = map[Status]string{
	StatusOpen:      "OPEN",
	StatusOverdrawn: "OVERDRAWN",
	StatusClosed:    "CLOSED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func ParseStatus(str string) (Status, error) {
	for s, n := range statusNames {
		if n == str {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown account status %q", str)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Account is a ledger record keyed by AccountNumber. It only holds state and
// applies arithmetic; guards such as the overdrawn check belong to the Service.
type Account struct {
	ID             int64           `json:"id"`
	AccountNumber  int64           `json:"accountNumber"`
	CustomerNumber int64           `json:"customerNumber"`
	CustomerName   string          `json:"customerName"`
	Balance        decimal.Decimal `json:"balance"`
	Status         Status          `json:"accountStatus"`
}

// Withdraw subtracts amount from the balance. A negative result does not
// flip the status to OVERDRAWN; only MarkOverdrawn does that.
func (a *Account) Withdraw(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
}

func (a *Account) Deposit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

func (a *Account) MarkOverdrawn() {
	a.Status = StatusOverdrawn
}

func (a *Account) RemoveOverdrawnStatus() {
	a.Status = StatusOpen
}

// Close overwrites the balance with zero regardless of its prior value.
func (a *Account) Close() {
	a.Status = StatusClosed
	a.Balance = decimal.Zero
}

// Equal reports whether both accounts share identity, account number and
// customer number. Balance, name and status are ignored.
func (a Account) Equal(o Account) bool {
	return a.ID == o.ID &&
		a.AccountNumber == o.AccountNumber &&
		a.CustomerNumber == o.CustomerNumber
}
