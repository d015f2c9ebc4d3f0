package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rentflow/auth"
	"rentflow/config"
	"rentflow/dispute"
	"rentflow/ledger"
	"rentflow/logging"
	"rentflow/registry"
)

const (
	adminAddr auth.Address = "GADMIN"
	landlord  auth.Address = "GLANDLORD"
	tenant    auth.Address = "GTENANT"
	collector auth.Address = "GPLATFORM"
	arbiter   auth.Address = "GARB1"
)

type stubAgentStore struct {
	profiles map[auth.Address]registry.AgentProfile
	err      error
}

func (s *stubAgentStore) GetByAddress(_ context.Context, addr auth.Address) (registry.AgentProfile, error) {
	if s.err != nil {
		return registry.AgentProfile{}, s.err
	}
	p, ok := s.profiles[addr]
	if !ok {
		return registry.AgentProfile{}, registry.ErrAgentNotFound
	}
	return p, nil
}

func (s *stubAgentStore) List(_ context.Context, limit int) ([]registry.AgentProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]registry.AgentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if len(out) == limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *stubAgentStore) AddRating(_ context.Context, r registry.Rating) (registry.AgentProfile, error) {
	p := s.profiles[r.Agent]
	p.TotalRatings++
	p.TotalScore += r.Score
	s.profiles[r.Agent] = p
	return p, nil
}

type testAPI struct {
	t       *testing.T
	server  *Server
	handler http.Handler
	now     int64
}

func newTestAPI(t *testing.T, agents registry.ProfileStore) *testAPI {
	t.Helper()
	api := &testAPI{t: t, now: 50}
	store := ledger.NewMemStore().WithClock(func() time.Time { return time.Unix(api.now, 0) })
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Ledger.Backend = config.BackendMemory
	cfg.HTTP.RateLimit.RequestsPerMinute = 0

	api.server = buildServer(cfg, deps{store: store, accounts: auth.NewMemoryRepository(), agents: agents}, logging.Discard())
	api.handler = api.server.routes()
	return api
}

func (a *testAPI) token(addr auth.Address) string {
	a.t.Helper()
	tok, _, err := a.server.authService.IssueToken(addr)
	if err != nil {
		a.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do sends body as JSON with caller as bearer and cosigners as co-sign
// tokens.
func (a *testAPI) do(method, target, body string, caller auth.Address, cosigners ...auth.Address) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(caller))
	}
	for _, c := range cosigners {
		req.Header.Add(cosignHeader, a.token(c))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) expect(rec *httptest.ResponseRecorder, status int) {
	a.t.Helper()
	if rec.Code != status {
		a.t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return v
}

// setup initializes the platform, sets the collector, seats an arbiter and
// activates lease-1 with a funded tenant.
func (a *testAPI) setup() {
	a.t.Helper()
	a.expect(a.do(http.MethodPost, "/api/admin/initialize", `{"fee_bps":1000,"min_votes_required":1}`, adminAddr), http.StatusOK)
	a.expect(a.do(http.MethodPut, "/api/admin/fee-collector", `{"collector":"GPLATFORM"}`, collector, adminAddr), http.StatusOK)
	a.expect(a.do(http.MethodPost, "/api/admin/arbiters", `{"address":"GARB1"}`, adminAddr), http.StatusCreated)
	a.expect(a.do(http.MethodPost, "/api/admin/mint", `{"to":"GTENANT","amount":10000,"token":"USDC"}`, adminAddr), http.StatusOK)

	body := `{"id":"lease-1","landlord":"GLANDLORD","tenant":"GTENANT","monthly_rent":1000,
		"security_deposit":0,"start_date":100,"end_date":200,"agent_commission_rate":10,"payment_token":"USDC"}`
	a.expect(a.do(http.MethodPost, "/api/agreements", body, tenant), http.StatusCreated)
	a.expect(a.do(http.MethodPost, "/api/agreements/lease-1/submit", "", landlord), http.StatusOK)
	a.expect(a.do(http.MethodPost, "/api/agreements/lease-1/sign", "", tenant), http.StatusOK)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(http.MethodGet, "/healthz", "", "")
	api.expect(rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestHealthDegraded(t *testing.T) {
	api := newTestAPI(t, nil)
	api.server.ping = func(context.Context) error { return errors.New("db down") }
	api.expect(api.do(http.MethodGet, "/healthz", "", ""), http.StatusServiceUnavailable)
}

func TestRegisterAndLogin(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/auth/register", `{"address":"GLANDLORD","password":"correct-horse"}`, "")
	api.expect(rec, http.StatusCreated)
	acct := decode[accountResponse](t, rec)
	if acct.Address != landlord || acct.DisplayName != "GLANDLORD" {
		t.Fatalf("unexpected account: %+v", acct)
	}

	api.expect(api.do(http.MethodPost, "/api/auth/register", `{"address":"GLANDLORD","password":"correct-horse"}`, ""), http.StatusConflict)
	api.expect(api.do(http.MethodPost, "/api/auth/register", `{"address":"GOTHER","password":"short"}`, ""), http.StatusBadRequest)
	api.expect(api.do(http.MethodPost, "/api/auth/login", `{"address":"GLANDLORD","password":"wrong-password"}`, ""), http.StatusUnauthorized)

	rec = api.do(http.MethodPost, "/api/auth/login", `{"address":"GLANDLORD","password":"correct-horse"}`, "")
	api.expect(rec, http.StatusOK)
	login := decode[loginResponse](t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/agreements/missing/submit", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out := httptest.NewRecorder()
	api.handler.ServeHTTP(out, req)
	api.expect(out, http.StatusNotFound)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	api := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/agreements/count", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	api.expect(rec, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/api/agreements/count", nil)
	req.Header.Set("Authorization", "Bearer "+api.token(tenant))
	req.Header.Set(cosignHeader, "garbage")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	api.expect(rec, http.StatusUnauthorized)

	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/sign", "", ""), http.StatusUnauthorized)
}

func TestPayRentFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup()

	api.now = 150
	rec := api.do(http.MethodPost, "/api/agreements/lease-1/payments", `{"amount":1000}`, tenant)
	api.expect(rec, http.StatusCreated)
	split := decode[struct {
		LandlordAmount int64 `json:"landlord_amount"`
		PlatformAmount int64 `json:"platform_amount"`
		PaymentDate    int64 `json:"payment_date"`
	}](t, rec)
	if split.LandlordAmount != 900 || split.PlatformAmount != 100 || split.PaymentDate != 150 {
		t.Fatalf("unexpected split: %+v", split)
	}

	rec = api.do(http.MethodGet, "/api/agreements/lease-1/payments", "", "")
	api.expect(rec, http.StatusOK)
	summary := decode[struct {
		PaymentCount int   `json:"payment_count"`
		TotalPaid    int64 `json:"total_paid"`
	}](t, rec)
	if summary.PaymentCount != 1 || summary.TotalPaid != 1000 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	api.expect(api.do(http.MethodGet, "/api/agreements/lease-1/payments/0", "", ""), http.StatusOK)
	api.expect(api.do(http.MethodGet, "/api/agreements/lease-1/payments/1", "", ""), http.StatusNotFound)
	api.expect(api.do(http.MethodGet, "/api/agreements/lease-1/payments/x", "", ""), http.StatusBadRequest)

	// Next due is a full interval away.
	rec = api.do(http.MethodPost, "/api/agreements/lease-1/payments", `{"amount":1000}`, tenant)
	api.expect(rec, http.StatusTooEarly)
	body := decode[errorResponse](t, rec)
	if body.Code != 18 {
		t.Fatalf("expected code 18, got %+v", body)
	}

	rec = api.do(http.MethodGet, "/api/balances/GLANDLORD?token=USDC", "", "")
	api.expect(rec, http.StatusOK)
	bal := decode[struct {
		Balance int64 `json:"balance"`
	}](t, rec)
	if bal.Balance != 900 {
		t.Fatalf("expected landlord balance 900, got %d", bal.Balance)
	}
}

func TestPayRentGuards(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup()
	api.now = 150

	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/payments", `{"amount":999}`, tenant), http.StatusBadRequest)
	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/payments", `{"amount":1000}`, landlord), http.StatusForbidden)
	api.expect(api.do(http.MethodPost, "/api/agreements/nope/payments", `{"amount":1000}`, tenant), http.StatusNotFound)
	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/payments", `{"amount":1000,"extra":1}`, tenant), http.StatusBadRequest)
}

func TestFeeCollectorRequiresAdminCosign(t *testing.T) {
	api := newTestAPI(t, nil)
	api.expect(api.do(http.MethodPost, "/api/admin/initialize", `{"fee_bps":1000,"min_votes_required":1}`, adminAddr), http.StatusOK)

	api.expect(api.do(http.MethodPut, "/api/admin/fee-collector", `{"collector":"GPLATFORM"}`, collector), http.StatusForbidden)
	api.expect(api.do(http.MethodPut, "/api/admin/fee-collector", `{"collector":"GPLATFORM"}`, collector, adminAddr), http.StatusOK)

	rec := api.do(http.MethodGet, "/api/admin/fee-collector", "", "")
	api.expect(rec, http.StatusOK)
	if got := decode[map[string]string](t, rec)["collector"]; got != string(collector) {
		t.Fatalf("expected collector %s, got %s", collector, got)
	}
}

func TestMintIsAdminOnly(t *testing.T) {
	api := newTestAPI(t, nil)
	api.expect(api.do(http.MethodPost, "/api/admin/mint", `{"to":"GTENANT","amount":5,"token":"USDC"}`, tenant), http.StatusConflict)

	api.expect(api.do(http.MethodPost, "/api/admin/initialize", `{"fee_bps":0,"min_votes_required":1}`, adminAddr), http.StatusOK)
	api.expect(api.do(http.MethodPost, "/api/admin/mint", `{"to":"GTENANT","amount":5,"token":"USDC"}`, tenant), http.StatusForbidden)
	api.expect(api.do(http.MethodPost, "/api/admin/mint", `{"to":"GTENANT","amount":5,"token":"USDC"}`, adminAddr), http.StatusOK)
}

func TestDisputeFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup()

	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/dispute", `{"evidence":""}`, tenant), http.StatusBadRequest)
	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/dispute", `{"evidence":"QmLeak"}`, tenant), http.StatusCreated)
	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/dispute", `{"evidence":"QmLeak"}`, landlord), http.StatusConflict)

	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/dispute/votes", `{"favor_landlord":false}`, tenant), http.StatusForbidden)

	rec := api.do(http.MethodPost, "/api/agreements/lease-1/dispute/votes", `{"favor_landlord":false}`, arbiter)
	api.expect(rec, http.StatusOK)
	d := decode[dispute.Dispute](t, rec)
	if !d.Resolved || d.Outcome != dispute.OutcomeFavorTenant {
		t.Fatalf("expected resolved in favor of tenant, got %+v", d)
	}

	rec = api.do(http.MethodGet, "/api/agreements/lease-1", "", "")
	api.expect(rec, http.StatusOK)
	if status := decode[map[string]any](t, rec)["status"]; status != "terminated" {
		t.Fatalf("expected terminated agreement, got %v", status)
	}

	rec = api.do(http.MethodGet, "/api/agreements/lease-1/dispute/votes/GARB1", "", "")
	api.expect(rec, http.StatusOK)
	if !decode[map[string]bool](t, rec)["voted"] {
		t.Fatalf("expected arbiter vote recorded")
	}
	api.expect(api.do(http.MethodPost, "/api/agreements/lease-1/dispute/resolve", "", ""), http.StatusConflict)
}

func TestAgentsEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	api.expect(api.do(http.MethodGet, "/api/agents/GAGENT", "", ""), http.StatusServiceUnavailable)

	verifiedAt := time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)
	store := &stubAgentStore{profiles: map[auth.Address]registry.AgentProfile{
		"GAGENT": {Address: "GAGENT", Verified: true, RegisteredAt: verifiedAt, VerifiedAt: &verifiedAt},
	}}
	api = newTestAPI(t, store)

	rec := api.do(http.MethodGet, "/api/agents/GAGENT", "", "")
	api.expect(rec, http.StatusOK)
	resp := decode[agentResponse](t, rec)
	if !resp.Verified || resp.VerifiedAt == nil || *resp.VerifiedAt != verifiedAt.Format(time.RFC3339) {
		t.Fatalf("unexpected agent payload: %+v", resp)
	}

	api.expect(api.do(http.MethodGet, "/api/agents/GMISSING", "", ""), http.StatusNotFound)
	api.expect(api.do(http.MethodGet, "/api/agents?limit=0", "", ""), http.StatusBadRequest)
	api.expect(api.do(http.MethodPost, "/api/agents/GAGENT/ratings", `{"agreement_id":"lease-1","score":6}`, tenant), http.StatusBadRequest)

	rec = api.do(http.MethodPost, "/api/agents/GAGENT/ratings", `{"agreement_id":"lease-1","score":4}`, tenant)
	api.expect(rec, http.StatusCreated)
	if got := decode[agentResponse](t, rec).AverageRating; got != 4 {
		t.Fatalf("expected average 4, got %v", got)
	}

	store.err = errors.New("boom")
	api.expect(api.do(http.MethodGet, "/api/agents/GAGENT", "", ""), http.StatusInternalServerError)
}

func TestMissingSignatureIsUnauthenticated(t *testing.T) {
	api := newTestAPI(t, nil)
	body := `{"id":"lease-2","landlord":"GLANDLORD","tenant":"GTENANT","monthly_rent":1000,
		"security_deposit":0,"start_date":100,"end_date":200,"agent_commission_rate":10,"payment_token":"USDC"}`

	rec := api.do(http.MethodPost, "/api/agreements", body, "")
	api.expect(rec, http.StatusUnauthorized)
	if got := decode[errorResponse](t, rec); got.Code != 410 {
		t.Fatalf("expected code 410, got %+v", got)
	}
	// a signed request from the wrong party stays forbidden
	api.expect(api.do(http.MethodPost, "/api/agreements", body, landlord), http.StatusForbidden)
	api.expect(api.do(http.MethodPost, "/api/agreements", body, tenant), http.StatusCreated)
}

func TestCreateAgreementRejectsUnknownAgent(t *testing.T) {
	api := newTestAPI(t, &stubAgentStore{profiles: map[auth.Address]registry.AgentProfile{}})
	body := `{"id":"lease-9","landlord":"GLANDLORD","tenant":"GTENANT","agent":"GGHOST","monthly_rent":1000,
		"security_deposit":0,"start_date":100,"end_date":200,"agent_commission_rate":10,"payment_token":"USDC"}`
	rec := api.do(http.MethodPost, "/api/agreements", body, tenant)
	if rec.Code < 400 || rec.Code >= 500 {
		t.Fatalf("expected client error for unknown agent, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup()

	rec := api.do(http.MethodGet, "/metrics", "", "")
	api.expect(rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{`rentflow_events_total{type="agreement.signed"} 1`, "rentflow_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	l := newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatalf("third request should be limited")
	}
	if !l.allow("10.0.0.2") {
		t.Fatalf("other clients keep their own bucket")
	}

	now = now.Add(time.Second)
	if !l.allow("10.0.0.1") {
		t.Fatalf("bucket should refill after a second")
	}

	if newRateLimiter(config.RateLimitConfig{}) != nil {
		t.Fatalf("zero rate must disable limiting")
	}
}

func TestRateLimitedRoute(t *testing.T) {
	api := newTestAPI(t, nil)
	api.server.limiter = newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	api.handler = api.server.routes()

	api.expect(api.do(http.MethodGet, "/api/agreements/count", "", ""), http.StatusOK)
	api.expect(api.do(http.MethodGet, "/api/agreements/count", "", ""), http.StatusTooManyRequests)
	// health checks sit outside /api
	api.expect(api.do(http.MethodGet, "/healthz", "", ""), http.StatusOK)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		registry.ErrAgentNotFound:      http.StatusNotFound,
		dispute.ErrNotArbiter:          http.StatusForbidden,
		dispute.ErrInvalidEvidence:     http.StatusBadRequest,
		dispute.ErrAlreadyVoted:        http.StatusConflict,
		auth.ErrInvalidCredentials:     http.StatusUnauthorized,
		errors.New("connection reset"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
