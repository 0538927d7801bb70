package accounting

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoan(totalPayable string, status models.LoanStatus) *models.Loan {
	return &models.Loan{
		ID:             uuid.New(),
		Owner:          "user-1",
		Principal:      dec(totalPayable),
		TermMonths:     5,
		StartDate:      models.NewDate(2024, time.January, 1),
		MonthlyPayment: dec(totalPayable).Div(decimal.NewFromInt(5)),
		TotalPayable:   dec(totalPayable),
		Status:         status,
	}
}

func repaymentsFor(loan *models.Loan, amounts ...string) []*models.Repayment {
	out := make([]*models.Repayment, 0, len(amounts))
	for _, a := range amounts {
		out = append(out, &models.Repayment{
			ID:     uuid.New(),
			LoanID: loan.ID,
			Owner:  loan.Owner,
			Amount: dec(a),
		})
	}
	return out
}

func TestRecomputeLoanStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  models.LoanStatus
		amounts []string
		want    models.LoanStatus
	}{
		{"no repayments", models.LoanStatusActive, nil, models.LoanStatusActive},
		{"partially repaid", models.LoanStatusActive, []string{"100", "150.50"}, models.LoanStatusActive},
		{"exactly repaid", models.LoanStatusActive, []string{"250", "250"}, models.LoanStatusPaid},
		{"overpaid", models.LoanStatusActive, []string{"200", "200", "200"}, models.LoanStatusPaid},
		{"defaulted stays defaulted when covered", models.LoanStatusDefaulted, []string{"600"}, models.LoanStatusDefaulted},
		{"defaulted stays defaulted when empty", models.LoanStatusDefaulted, nil, models.LoanStatusDefaulted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := newLoan("500", tt.status)
			got, err := RecomputeLoanStatus(loan, repaymentsFor(loan, tt.amounts...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.status, loan.Status, "input loan must not be mutated")
		})
	}
}

func TestRecomputeLoanStatus_DefaultedIsSticky(t *testing.T) {
	loan := newLoan("500", models.LoanStatusDefaulted)
	var repayments []*models.Repayment
	for i := 0; i < 10; i++ {
		repayments = append(repayments, repaymentsFor(loan, "100")...)
		got, err := RecomputeLoanStatus(loan, repayments)
		require.NoError(t, err)
		require.Equal(t, models.LoanStatusDefaulted, got)
	}
}

func TestRecomputeLoanStatus_Idempotent(t *testing.T) {
	loan := newLoan("500", models.LoanStatusActive)
	repayments := repaymentsFor(loan, "499.99")

	first, err := RecomputeLoanStatus(loan, repayments)
	require.NoError(t, err)
	second, err := RecomputeLoanStatus(loan, repayments)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, repayments, 1)
}

func TestRecomputeLoanStatus_InconsistentRepayment(t *testing.T) {
	loan := newLoan("500", models.LoanStatusActive)
	other := newLoan("500", models.LoanStatusActive)
	repayments := append(repaymentsFor(loan, "100"), repaymentsFor(other, "100")...)

	_, err := RecomputeLoanStatus(loan, repayments)
	assert.ErrorIs(t, err, ErrInconsistentRepayment)
}

func TestCanTransition(t *testing.T) {
	active, paid, defaulted := models.LoanStatusActive, models.LoanStatusPaid, models.LoanStatusDefaulted

	assert.True(t, CanTransition(active, paid))
	assert.True(t, CanTransition(active, defaulted))
	assert.True(t, CanTransition(paid, paid))
	assert.False(t, CanTransition(paid, active))
	assert.False(t, CanTransition(paid, defaulted))
	assert.False(t, CanTransition(defaulted, active))
	assert.False(t, CanTransition(defaulted, paid))
}
