// Package notify delivers loan lifecycle events to users and operators. The
// ledger publishes events on a Dispatcher, which hands them to one or more
// Notifiers from a single background worker.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindLoanCreated       Kind = "loan_created"
	KindRepaymentReceived Kind = "repayment_received"
	KindLoanPaidOff       Kind = "loan_paid_off"
	KindConfirmationCode  Kind = "confirmation_code"
)

// Event is one notification. Fields not relevant to the Kind are left zero.
type Event struct {
	Kind        Kind
	Owner       string
	Email       string
	LoanID      uuid.UUID
	LoanTitle   string
	Amount      decimal.Decimal
	RatePercent decimal.Decimal
	TermMonths  int
	TotalRepaid decimal.Decimal
	Outstanding decimal.Decimal
	Code        string
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Notifier delivers a single event.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatMoney renders an amount with thousands separators and two decimals.
func FormatMoney(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	whole := d.Truncate(0)
	cents := d.Sub(whole).Shift(2).IntPart()
	return fmt.Sprintf("%s$%s.%02d", sign, humanize.Comma(whole.IntPart()), cents)
}

// Message renders the human-readable text for an event.
func Message(e Event) string {
	switch e.Kind {
	case KindLoanCreated:
		return fmt.Sprintf("Loan created: %s\nAmount: %s\nInterest rate: %s%%\nTerm: %d months\nStatus: active",
			e.LoanTitle, FormatMoney(e.Amount), e.RatePercent.String(), e.TermMonths)
	case KindRepaymentReceived:
		return fmt.Sprintf("Payment received for %s\nRepayment: %s\nTotal paid so far: %s\nOutstanding balance: %s",
			e.LoanTitle, FormatMoney(e.Amount), FormatMoney(e.TotalRepaid), FormatMoney(e.Outstanding))
	case KindLoanPaidOff:
		return fmt.Sprintf("Loan %s has been fully paid off. Total repaid: %s",
			e.LoanTitle, FormatMoney(e.TotalRepaid))
	case KindConfirmationCode:
		return fmt.Sprintf("Your LoanSyncro confirmation code is %s", e.Code)
	}
	return string(e.Kind)
}
