package main

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loansyncro/pkg/auth"
	"github.com/mcclellann/loansyncro/pkg/ledger"
)

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.identity.Register(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.identity.ConfirmRegistration(r.Context(), req.Email, req.Code); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "email confirmed"})
}

func (s *Server) resendHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.identity.ResendConfirmationCode(r.Context(), req.Email); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "confirmation code sent"})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.identity.Logout(r.Context(), bearerToken(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// loanID parses the {id} path variable, writing a 400 when it is malformed.
func loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan ID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context(), currentUser(r).ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.LoanInput
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := s.ledger.CreateLoan(r.Context(), currentUser(r).ID, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var patch ledger.LoanPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	loan, err := s.ledger.UpdateLoan(r.Context(), currentUser(r).ID, id, patch)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), currentUser(r).ID, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loanProgressHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	progress, err := s.ledger.Progress(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) loanScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	schedule, err := s.ledger.Schedule(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) markDefaultedHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.MarkDefaulted(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	repayments, err := s.ledger.ListRepayments(r.Context(), currentUser(r).ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) createRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.RepaymentInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LoanID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "loan_id is required")
		return
	}
	receipt, err := s.ledger.RecordRepayment(r.Context(), currentUser(r).ID, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt.Repayment)
}

func (s *Server) loanRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	repayments, err := s.ledger.ListLoanRepayments(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context(), currentUser(r).ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
