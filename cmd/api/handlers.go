package main

import (
	"math/big"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/registry"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		ID:          account.ID,
		Address:     account.Address,
		DisplayName: account.DisplayName,
		CreatedAt:   account.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.Format(time.RFC3339),
		Address:   result.Account.Address,
	})
}

type accountResponse struct {
	ID          string       `json:"id"`
	Address     auth.Address `json:"address"`
	DisplayName string       `json:"display_name"`
	CreatedAt   string       `json:"created_at"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	Address   auth.Address `json:"address"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var params agreement.CreateParams
	if !decodeJSON(w, r, &params) {
		return
	}
	created, err := s.agreementService.CreateAgreement(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreementService.GetAgreement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgreementCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.agreementService.GetAgreementCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": n})
}

// handleAgreementAction dispatches on the last path segment.
func (s *Server) handleAgreementAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var err error
	switch path.Base(r.URL.Path) {
	case "submit":
		err = s.agreementService.SubmitAgreement(ctx, caller, id)
	case "sign":
		err = s.agreementService.SignAgreement(ctx, caller, id)
	case "cancel":
		err = s.agreementService.CancelAgreement(ctx, caller, id)
	case "complete":
		err = s.agreementService.CompleteAgreement(ctx, caller, id)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown action"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.agreementService.GetAgreement(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type payRentRequest struct {
	Amount *big.Int `json:"amount"`
}

func (s *Server) handlePayRent(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req payRentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	split, err := s.escrowEngine.PayRent(r.Context(), caller, chi.URLParam(r, "id"), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, split)
}

func (s *Server) handlePaymentSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	count, err := s.escrowEngine.GetPaymentCount(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.escrowEngine.GetTotalPaid(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentSummary{PaymentCount: count, TotalPaid: total})
}

type paymentSummary struct {
	PaymentCount uint32   `json:"payment_count"`
	TotalPaid    *big.Int `json:"total_paid"`
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	cycle, err := strconv.ParseUint(chi.URLParam(r, "cycle"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid cycle"})
		return
	}
	split, err := s.escrowEngine.GetPaymentSplit(r.Context(), chi.URLParam(r, "id"), uint32(cycle))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

type raiseDisputeRequest struct {
	Evidence string `json:"evidence"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.disputeService.RaiseDispute(r.Context(), caller, chi.URLParam(r, "id"), req.Evidence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.disputeService.GetDisputeHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rounds, "total": len(rounds)})
}

type castVoteRequest struct {
	FavorLandlord bool `json:"favor_landlord"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req castVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.disputeService.CastVote(r.Context(), caller, chi.URLParam(r, "id"), req.FavorLandlord)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHasVoted(w http.ResponseWriter, r *http.Request) {
	voted, err := s.disputeService.HasVoted(r.Context(), chi.URLParam(r, "id"), auth.Address(chi.URLParam(r, "arbiter")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"voted": voted})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.ResolveDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var cfg admin.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := s.adminService.Initialize(r.Context(), caller, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleAdminState(w, r)
}

func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	st, err := s.adminService.GetState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var cfg admin.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := s.adminService.UpdateConfig(r.Context(), caller, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleAdminState(w, r)
}

type addressRequest struct {
	Address auth.Address `json:"address"`
}

func (s *Server) handleAddArbiter(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req addressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.disputeService.AddArbiter(r.Context(), caller, req.Address); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"address": req.Address, "arbiter": true})
}

func (s *Server) handleArbiterCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.disputeService.GetArbiterCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"count": n})
}

func (s *Server) handleIsArbiter(w http.ResponseWriter, r *http.Request) {
	addr := auth.Address(chi.URLParam(r, "address"))
	ok, err := s.disputeService.IsArbiter(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "arbiter": ok})
}

// handleSetFeeCollector expects the collector as the bearer and the
// administrator as a co-signer once the admin record exists.
func (s *Server) handleSetFeeCollector(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	var req struct {
		Collector auth.Address `json:"collector"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.escrowEngine.SetPlatformFeeCollector(r.Context(), req.Collector); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]auth.Address{"collector": req.Collector})
}

func (s *Server) handleGetFeeCollector(w http.ResponseWriter, r *http.Request) {
	collector, err := s.escrowEngine.GetPlatformFeeCollector(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]auth.Address{"collector": collector})
}

type mintRequest struct {
	To     auth.Address `json:"to"`
	Amount *big.Int     `json:"amount"`
	Token  auth.Address `json:"token"`
}

// handleMint credits a balance on the ledger-backed medium. Administrator
// only.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := s.adminService.GetState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.Admin != caller {
		s.writeError(w, r, admin.ErrNotAdmin)
		return
	}
	if req.Amount == nil {
		req.Amount = new(big.Int)
	}
	if err := s.bank.Mint(r.Context(), req.To, req.Amount, req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, req.To, req.Token)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	medium := auth.Address(r.URL.Query().Get("token"))
	if medium == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token query parameter is required"})
		return
	}
	s.writeBalance(w, r, auth.Address(chi.URLParam(r, "address")), medium)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, addr, medium auth.Address) {
	bal, err := s.bank.Balance(r.Context(), addr, medium)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: addr, Token: medium, Balance: bal})
}

type balanceResponse struct {
	Address auth.Address `json:"address"`
	Token   auth.Address `json:"token"`
	Balance *big.Int     `json:"balance"`
}

type agentResponse struct {
	Address             auth.Address `json:"address"`
	ProfileHash         string       `json:"profile_hash"`
	Verified            bool         `json:"verified"`
	RegisteredAt        string       `json:"registered_at"`
	VerifiedAt          *string      `json:"verified_at,omitempty"`
	TotalRatings        uint32       `json:"total_ratings"`
	AverageRating       float64      `json:"average_rating"`
	CompletedAgreements uint32       `json:"completed_agreements"`
}

func newAgentResponse(p registry.AgentProfile) agentResponse {
	resp := agentResponse{
		Address:             p.Address,
		ProfileHash:         p.ProfileHash,
		Verified:            p.Verified,
		RegisteredAt:        p.RegisteredAt.Format(time.RFC3339),
		TotalRatings:        p.TotalRatings,
		AverageRating:       p.AverageRating(),
		CompletedAgreements: p.CompletedAgreements,
	}
	if p.VerifiedAt != nil {
		v := p.VerifiedAt.Format(time.RFC3339)
		resp.VerifiedAt = &v
	}
	return resp
}

func (s *Server) agentsAvailable(w http.ResponseWriter) bool {
	if s.agentService == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "agent registry not configured"})
		return false
	}
	return true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.agentsAvailable(w) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	profiles, err := s.agentService.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]agentResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, newAgentResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if !s.agentsAvailable(w) {
		return
	}
	p, err := s.agentService.Get(r.Context(), auth.Address(chi.URLParam(r, "address")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentResponse(p))
}

type rateAgentRequest struct {
	AgreementID string `json:"agreement_id"`
	Score       uint32 `json:"score"`
}

func (s *Server) handleRateAgent(w http.ResponseWriter, r *http.Request) {
	if !s.agentsAvailable(w) {
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req rateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.agentService.Rate(r.Context(), caller, auth.Address(chi.URLParam(r, "address")), req.AgreementID, req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAgentResponse(p))
}
