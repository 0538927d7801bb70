// Package accounting holds the loan money math: amortization figures,
// repayment aggregation and the loan status rules. Every function here is
// pure and safe for concurrent use.
package accounting

import (
	"fmt"

	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	// currencyPlaces is the minor-unit precision results are rounded to.
	currencyPlaces = 2
	// workingPlaces bounds intermediate quotients and powers.
	workingPlaces = 28
	// MaxTermMonths is the longest accepted term, one hundred years.
	MaxTermMonths = 1200
)

var (
	hundred        = decimal.NewFromInt(100)
	monthsInYear   = decimal.NewFromInt(12)
	percentPerRate = hundred.Mul(monthsInYear)
)

// MonthlyRate converts an annual percentage rate into the monthly periodic rate.
func MonthlyRate(annualInterestRatePercent decimal.Decimal) decimal.Decimal {
	return annualInterestRatePercent.DivRound(percentPerRate, workingPlaces)
}

// ValidateTerms checks the preconditions shared by every amortization entry point.
func ValidateTerms(principal, annualInterestRatePercent decimal.Decimal, termMonths int) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: principal must be positive, got %s", ErrInvalidLoanTerms, principal)
	}
	if annualInterestRatePercent.IsNegative() {
		return fmt.Errorf("%w: interest rate must not be negative, got %s", ErrInvalidLoanTerms, annualInterestRatePercent)
	}
	if termMonths < 1 {
		return fmt.Errorf("%w: term must be at least one month, got %d", ErrInvalidLoanTerms, termMonths)
	}
	if termMonths > MaxTermMonths {
		return fmt.Errorf("%w: term must be at most %d months, got %d", ErrInvalidLoanTerms, MaxTermMonths, termMonths)
	}
	if !principal.Equal(principal.Round(currencyPlaces)) {
		return fmt.Errorf("%w: principal must be a whole number of cents, got %s", ErrInvalidLoanTerms, principal)
	}
	return nil
}

// ComputeAmortization derives the fixed monthly installment and the total
// repayable amount for a loan compounded monthly. Rounding to cents happens
// once, after the total has been computed from the unrounded installment.
func ComputeAmortization(principal, annualInterestRatePercent decimal.Decimal, termMonths int) (models.Amortization, error) {
	if err := ValidateTerms(principal, annualInterestRatePercent, termMonths); err != nil {
		return models.Amortization{}, err
	}

	n := decimal.NewFromInt(int64(termMonths))
	payment := monthlyPayment(principal, MonthlyRate(annualInterestRatePercent), termMonths)

	amort := models.Amortization{
		MonthlyPayment: payment.Round(currencyPlaces),
		TotalPayable:   payment.Mul(n).Round(currencyPlaces),
	}
	if !amort.MonthlyPayment.IsPositive() {
		return models.Amortization{}, fmt.Errorf("%w: principal %s is too small to spread over %d months", ErrInvalidLoanTerms, principal, termMonths)
	}
	return amort, nil
}

// monthlyPayment returns the unrounded installment P*r*(1+r)^n / ((1+r)^n - 1).
func monthlyPayment(principal, r decimal.Decimal, termMonths int) decimal.Decimal {
	if r.IsZero() {
		return principal.DivRound(decimal.NewFromInt(int64(termMonths)), workingPlaces)
	}
	factor := pow(decimal.NewFromInt(1).Add(r), termMonths)
	return principal.Mul(r).Mul(factor).DivRound(factor.Sub(decimal.NewFromInt(1)), workingPlaces)
}

// pow raises base to a non-negative integer power by repeated squaring.
func pow(base decimal.Decimal, exp int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base).Round(workingPlaces)
		}
		base = base.Mul(base).Round(workingPlaces)
		exp >>= 1
	}
	return result
}

// Schedule expands a loan's terms into its installments. The first payment
// falls one month after startDate and the last one absorbs rounding so the
// balance closes at exactly zero.
func Schedule(principal, annualInterestRatePercent decimal.Decimal, termMonths int, startDate models.Date) ([]models.Installment, error) {
	amort, err := ComputeAmortization(principal, annualInterestRatePercent, termMonths)
	if err != nil {
		return nil, err
	}

	r := MonthlyRate(annualInterestRatePercent)
	remaining := principal
	var schedule []models.Installment

	for period := 1; period <= termMonths; period++ {
		interest := remaining.Mul(r).Round(currencyPlaces)
		payment := amort.MonthlyPayment
		principalPart := payment.Sub(interest)

		if period == termMonths || principalPart.GreaterThan(remaining) {
			principalPart = remaining
			payment = principalPart.Add(interest)
		}
		remaining = remaining.Sub(principalPart)

		schedule = append(schedule, models.Installment{
			Period:           period,
			DueDate:          startDate.AddMonths(period),
			Payment:          payment,
			Interest:         interest,
			Principal:        principalPart,
			RemainingBalance: remaining,
		})

		if remaining.IsZero() {
			break
		}
	}

	return schedule, nil
}
