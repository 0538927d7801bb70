package accounting

import "errors"

var (
	// ErrInvalidLoanTerms is returned for a non-positive principal, a negative
	// rate or a term shorter than one month.
	ErrInvalidLoanTerms = errors.New("invalid loan terms")

	// ErrInconsistentRepayment is returned when a repayment does not belong to
	// the loan it is aggregated against.
	ErrInconsistentRepayment = errors.New("repayment does not belong to loan")
)
