package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/audit"
	"BskLedger/internal/ledger"
	"BskLedger/internal/loan"
	"BskLedger/internal/observability"
)

// Server is the HTTP API: the ledger write path, the loan lifecycle, the
// settlement endpoint, and the reconciliation report.
type Server struct {
	router   *mux.Router
	recorder *ledger.Recorder
	loans    *loan.Service
	engine   *loan.SettlementEngine
	auditor  *audit.Auditor
	health   *observability.HealthChecker
	log      zerolog.Logger
}

func NewServer(
	recorder *ledger.Recorder,
	loans *loan.Service,
	engine *loan.SettlementEngine,
	auditor *audit.Auditor,
	health *observability.HealthChecker,
	log zerolog.Logger,
) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		recorder: recorder,
		loans:    loans,
		engine:   engine,
		auditor:  auditor,
		health:   health,
		log:      log,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.health.LivenessHandler).Methods("GET")
	s.router.HandleFunc("/readyz", s.health.ReadinessHandler).Methods("GET")

	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/ledger/transactions", s.handleRecordTransaction).Methods("POST")
	api.HandleFunc("/users/{user_id}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/users/{user_id}/ledger", s.handleListEntries).Methods("GET")
	api.HandleFunc("/users/{user_id}/loans", s.handleListLoans).Methods("GET")

	api.HandleFunc("/loans", s.handleApplyLoan).Methods("POST")
	api.HandleFunc("/loans/{loan_id}", s.handleGetLoan).Methods("GET")
	api.HandleFunc("/loans/{loan_id}/approve", s.handleApproveLoan).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/disburse", s.handleDisburseLoan).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/installments/{number}/pay", s.handlePayInstallment).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/cancel", s.handleCancelLoan).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/write-off", s.handleWriteOffLoan).Methods("POST")
	api.HandleFunc("/loans/{loan_id}/settle", s.handleSettleLoan).Methods("POST")

	api.HandleFunc("/reconciliation", s.handleReconcile).Methods("GET")
}

// --- ledger ---

type recordTransactionRequest struct {
	UserID         string      `json:"user_id"`
	Asset          string      `json:"asset"`
	TxType         string      `json:"tx_type"`
	TxSubtype      string      `json:"tx_subtype"`
	Bucket         string      `json:"balance_bucket"`
	Amount         string      `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key"`
	Meta           ledger.Meta `json:"meta"`
}

type recordTransactionResponse struct {
	LedgerEntryID string `json:"ledger_entry_id"`
	BalanceAfter  string `json:"balance_after"`
	Replayed      bool   `json:"replayed"`
}

func (s *Server) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	res, err := s.recorder.Record(r.Context(), ledger.RecordRequest{
		UserID:         userID,
		Asset:          req.Asset,
		Type:           ledger.TxType(req.TxType),
		Subtype:        req.TxSubtype,
		Bucket:         ledger.Bucket(req.Bucket),
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           req.Meta,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recordTransactionResponse{
		LedgerEntryID: res.EntryID.String(),
		BalanceAfter:  res.BalanceAfter.String(),
		Replayed:      res.Replayed,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	b, err := s.recorder.Balance(r.Context(), userID, vars["asset"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      b.UserID.String(),
		"asset":        b.Asset,
		"withdrawable": b.Withdrawable.String(),
		"holding":      b.Holding.String(),
		"total":        b.Total().String(),
	})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := s.recorder.History(r.Context(), ledger.EntryFilter{
		UserID:  userID,
		Asset:   q.Get("asset"),
		Subtype: q.Get("tx_subtype"),
		Limit:   limit,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- loans ---

type applyLoanRequest struct {
	UserID                string `json:"user_id"`
	PrincipalAmount       string `json:"principal_amount"`
	OriginationFee        string `json:"origination_fee"`
	InterestRatePerPeriod string `json:"interest_rate_per_period"`
	TenorPeriods          int    `json:"tenor_periods"`
	PeriodDays            int    `json:"period_days"`
}

func (s *Server) handleApplyLoan(w http.ResponseWriter, r *http.Request) {
	var req applyLoanRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	principal, err := decimal.NewFromString(req.PrincipalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid principal_amount")
		return
	}
	fee := decimal.Zero
	if req.OriginationFee != "" {
		if fee, err = decimal.NewFromString(req.OriginationFee); err != nil {
			writeError(w, http.StatusBadRequest, "invalid origination_fee")
			return
		}
	}
	rate := decimal.Zero
	if req.InterestRatePerPeriod != "" {
		if rate, err = decimal.NewFromString(req.InterestRatePerPeriod); err != nil {
			writeError(w, http.StatusBadRequest, "invalid interest_rate_per_period")
			return
		}
	}

	l, err := s.loans.Apply(r.Context(), loan.ApplyRequest{
		UserID:                userID,
		PrincipalAmount:       principal,
		OriginationFee:        fee,
		InterestRatePerPeriod: rate,
		TenorPeriods:          req.TenorPeriods,
		PeriodDays:            req.PeriodDays,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanJSON(l))
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["loan_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan_id")
		return
	}
	l, installments, err := s.loans.Get(r.Context(), loanID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	out := loanJSON(l)
	insts := make([]map[string]interface{}, 0, len(installments))
	for _, inst := range installments {
		insts = append(insts, installmentJSON(inst))
	}
	out["installments"] = insts
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	loans, err := s.loans.List(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(loans))
	for _, l := range loans {
		out = append(out, loanJSON(l))
	}
	writeJSON(w, http.StatusOK, out)
}

type adminActionRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApproveLoan(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.loans.Approve)
}

func (s *Server) handleCancelLoan(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.loans.Cancel)
}

func (s *Server) handleWriteOffLoan(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.loans.WriteOff)
}

func (s *Server) loanAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, loanID uuid.UUID, notes string) (*loan.Loan, error)) {
	loanID, err := uuid.Parse(mux.Vars(r)["loan_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan_id")
		return
	}
	var req adminActionRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	l, err := action(r.Context(), loanID, req.Notes)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanJSON(l))
}

func (s *Server) handleDisburseLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["loan_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan_id")
		return
	}
	l, err := s.loans.Disburse(r.Context(), loanID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanJSON(l))
}

func (s *Server) handlePayInstallment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loanID, err := uuid.Parse(vars["loan_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan_id")
		return
	}
	number, err := strconv.Atoi(vars["number"])
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid installment number")
		return
	}
	l, err := s.loans.PayInstallment(r.Context(), loanID, number)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanJSON(l))
}

type settleResponse struct {
	Success           bool   `json:"success"`
	SettlementPayment string `json:"settlement_payment"`
	PayoutReceived    string `json:"payout_received"`
	NetReceived       string `json:"net_received"`
	NewStatus         string `json:"new_status"`
	PayoutStatus      string `json:"payout_status"`
}

func (s *Server) handleSettleLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["loan_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan_id")
		return
	}

	res, err := s.engine.Settle(r.Context(), loanID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := settleResponse{
		Success:           true,
		SettlementPayment: res.SettlementPayment.String(),
		NewStatus:         string(res.NewStatus),
		PayoutStatus:      string(res.PayoutStatus),
	}
	if res.PayoutStatus == loan.PayoutCompleted {
		resp.PayoutReceived = res.PayoutReceived.String()
		resp.NetReceived = res.NetReceived.String()
	} else {
		// Debited but not yet paid out; amounts resolve after recovery.
		resp.PayoutReceived = "pending"
		resp.NetReceived = "pending"
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- reconciliation ---

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.Reconcile(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrLoanForfeited):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, loan.ErrStaleLoan):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func entryJSON(e *ledger.Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":             e.ID.String(),
		"user_id":        e.UserID.String(),
		"asset":          e.Asset,
		"tx_type":        string(e.Type),
		"tx_subtype":     e.Subtype,
		"balance_bucket": string(e.Bucket),
		"amount":         e.Amount.String(),
		"balance_before": e.BalanceBefore.String(),
		"balance_after":  e.BalanceAfter.String(),
		"meta":           e.Meta,
		"created_at":     e.CreatedAt,
	}
}

func loanJSON(l *loan.Loan) map[string]interface{} {
	return map[string]interface{}{
		"id":                       l.ID.String(),
		"loan_number":              l.LoanNumber,
		"user_id":                  l.UserID.String(),
		"principal_amount":         l.PrincipalAmount.String(),
		"origination_fee":          l.OriginationFee.String(),
		"interest_rate_per_period": l.InterestRatePerPeriod.String(),
		"tenor_periods":            l.TenorPeriods,
		"period_days":              l.PeriodDays,
		"status":                   string(l.Status),
		"total_due":                l.TotalDue().String(),
		"outstanding_amount":       l.OutstandingAmount.String(),
		"paid_amount":              l.PaidAmount.String(),
		"applied_at":               l.AppliedAt,
		"approved_at":              l.ApprovedAt,
		"disbursed_at":             l.DisbursedAt,
		"closed_at":                l.ClosedAt,
		"admin_notes":              l.AdminNotes,
	}
}

func installmentJSON(inst *loan.Installment) map[string]interface{} {
	return map[string]interface{}{
		"id":                 inst.ID.String(),
		"installment_number": inst.InstallmentNumber,
		"amount_due":         inst.AmountDue.String(),
		"status":             string(inst.Status),
		"due_date":           inst.DueDate,
		"paid_at":            inst.PaidAt,
		"paid_amount":        inst.PaidAmount.String(),
		"late_fee":           inst.LateFee.String(),
	}
}
