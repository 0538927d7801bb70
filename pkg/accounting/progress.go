package accounting

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/shopspring/decimal"
)

// RepaymentProgress reports how much of a loan's total payable has been
// covered. Overpayment clamps the balance at zero and the percentage at 100.
func RepaymentProgress(loan *models.Loan, repayments []*models.Repayment) (models.Progress, error) {
	totalRepaid, err := TotalRepaid(loan, repayments)
	if err != nil {
		return models.Progress{}, err
	}

	remaining := loan.TotalPayable.Sub(totalRepaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	var percent int64
	if loan.TotalPayable.IsPositive() {
		percent = totalRepaid.Mul(hundred).DivRound(loan.TotalPayable, workingPlaces).Round(0).IntPart()
		if percent > 100 {
			percent = 100
		}
	}

	return models.Progress{
		TotalRepaid:      totalRepaid,
		RemainingBalance: remaining,
		PercentComplete:  percent,
	}, nil
}

// NextPaymentDue returns the due date of the first installment not yet
// covered by totalRepaid, or nil when the loan is not active or fully covered.
func NextPaymentDue(loan *models.Loan, totalRepaid decimal.Decimal) *models.Date {
	if loan.Status != models.LoanStatusActive || !loan.MonthlyPayment.IsPositive() {
		return nil
	}
	covered := totalRepaid.Div(loan.MonthlyPayment).Floor().IntPart()
	if covered >= int64(loan.TermMonths) {
		return nil
	}
	due := loan.StartDate.AddMonths(int(covered) + 1)
	return &due
}

// Summarize aggregates a user's loans and all of their repayments for the
// dashboard. Outstanding amounts are clamped per loan so an overpaid loan
// never offsets another loan's balance.
func Summarize(loans []*models.Loan, repayments []*models.Repayment) (models.Summary, error) {
	byLoan := make(map[uuid.UUID][]*models.Repayment, len(loans))
	for _, loan := range loans {
		byLoan[loan.ID] = nil
	}
	for _, r := range repayments {
		if _, ok := byLoan[r.LoanID]; !ok {
			return models.Summary{}, fmt.Errorf("%w: repayment %s references unknown loan %s", ErrInconsistentRepayment, r.ID, r.LoanID)
		}
		byLoan[r.LoanID] = append(byLoan[r.LoanID], r)
	}

	summary := models.Summary{
		TotalLoans:        len(loans),
		TotalBorrowed:     decimal.Zero,
		TotalRepaid:       decimal.Zero,
		OutstandingAmount: decimal.Zero,
	}

	for _, loan := range loans {
		switch loan.Status {
		case models.LoanStatusActive:
			summary.ActiveLoans++
		case models.LoanStatusPaid:
			summary.PaidLoans++
		case models.LoanStatusDefaulted:
			summary.DefaultedLoans++
		}

		progress, err := RepaymentProgress(loan, byLoan[loan.ID])
		if err != nil {
			return models.Summary{}, err
		}
		summary.TotalBorrowed = summary.TotalBorrowed.Add(loan.Principal)
		summary.TotalRepaid = summary.TotalRepaid.Add(progress.TotalRepaid)
		summary.OutstandingAmount = summary.OutstandingAmount.Add(progress.RemainingBalance)

		if due := NextPaymentDue(loan, progress.TotalRepaid); due != nil {
			if summary.NextPaymentDue == nil || due.Before(*summary.NextPaymentDue) {
				summary.NextPaymentDue = due
			}
		}
	}

	return summary, nil
}
