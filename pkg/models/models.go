package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "active"
	LoanStatusPaid      LoanStatus = "paid"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// Valid reports whether s is one of the known statuses.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusActive, LoanStatusPaid, LoanStatusDefaulted:
		return true
	}
	return false
}

type Loan struct {
	ID                        uuid.UUID       `json:"id"`
	Owner                     string          `json:"user_id"`
	Title                     string          `json:"title"`
	Principal                 decimal.Decimal `json:"amount"`
	AnnualInterestRatePercent decimal.Decimal `json:"interest_rate"` // 5.25 means 5.25%
	TermMonths                int             `json:"term_months"`
	StartDate                 Date            `json:"start_date"`
	Description               string          `json:"description,omitempty"`
	MonthlyPayment            decimal.Decimal `json:"monthly_payment"` // Derived from principal, rate and term
	TotalPayable              decimal.Decimal `json:"total_amount"`    // Derived from principal, rate and term
	Status                    LoanStatus      `json:"status"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
	Version                   int64           `json:"-"` // Optimistic concurrency counter
}

type Repayment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Owner       string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate Date            `json:"payment_date"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	FullName         string    `json:"full_name"`
	PasswordHash     string    `json:"-"`
	Confirmed        bool      `json:"email_verified"`
	ConfirmationCode string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// Progress is the display-only repayment state of one loan.
type Progress struct {
	TotalRepaid      decimal.Decimal `json:"total_repaid"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	PercentComplete  int64           `json:"percent_complete"`
}

// Amortization holds the figures derived from a loan's terms.
type Amortization struct {
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	TotalPayable   decimal.Decimal `json:"total_amount"`
}

// Installment is one period of an amortization schedule.
type Installment struct {
	Period           int             `json:"period"`
	DueDate          Date            `json:"due_date"`
	Payment          decimal.Decimal `json:"payment"`
	Interest         decimal.Decimal `json:"interest"`
	Principal        decimal.Decimal `json:"principal"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// Summary aggregates a user's loans for the dashboard.
type Summary struct {
	TotalLoans        int             `json:"total_loans"`
	ActiveLoans       int             `json:"active_loans"`
	PaidLoans         int             `json:"paid_loans"`
	DefaultedLoans    int             `json:"defaulted_loans"`
	TotalBorrowed     decimal.Decimal `json:"total_borrowed"`
	TotalRepaid       decimal.Decimal `json:"total_repaid"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	NextPaymentDue    *Date           `json:"next_payment_due"`
}
