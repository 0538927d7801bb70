package accounting

import (
	"fmt"

	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/shopspring/decimal"
)

// TotalRepaid sums the repayments recorded against loan. Every repayment must
// reference the loan.
func TotalRepaid(loan *models.Loan, repayments []*models.Repayment) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range repayments {
		if r.LoanID != loan.ID {
			return decimal.Zero, fmt.Errorf("%w: repayment %s references loan %s, not %s", ErrInconsistentRepayment, r.ID, r.LoanID, loan.ID)
		}
		total = total.Add(r.Amount)
	}
	return total, nil
}

// RecomputeLoanStatus derives the status a loan should hold given its full
// repayment history. A defaulted loan stays defaulted whatever was paid.
func RecomputeLoanStatus(loan *models.Loan, repayments []*models.Repayment) (models.LoanStatus, error) {
	totalRepaid, err := TotalRepaid(loan, repayments)
	if err != nil {
		return "", err
	}

	if loan.Status == models.LoanStatusDefaulted {
		return models.LoanStatusDefaulted, nil
	}
	if totalRepaid.GreaterThanOrEqual(loan.TotalPayable) {
		return models.LoanStatusPaid, nil
	}
	return models.LoanStatusActive, nil
}

// CanTransition reports whether the status machine allows moving from one
// state to another. Paid and defaulted are terminal.
func CanTransition(from, to models.LoanStatus) bool {
	if from == to {
		return true
	}
	if from != models.LoanStatusActive {
		return false
	}
	return to == models.LoanStatusPaid || to == models.LoanStatusDefaulted
}
