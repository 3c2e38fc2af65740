package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/service"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/store/memory"
)

func newTestHandler(t *testing.T) (http.Handler, *AuthManager) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-test-pass")
	t.Setenv("SEED_MARKETER_PASSWORD", "marketer-test-pass")

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, 0)
	auth := NewAuthManager(testSecret, time.Hour, repo)
	api := New(svc, auth, "http://localhost:5173")
	return api.Handler(), auth
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	return resp.AccessToken
}

func registerAs(t *testing.T, handler http.Handler, username string) (token string, userID string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username: username,
		Password: "supersecret123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.RegisterResponse
	decodeBody(t, rec, &resp)
	return resp.AccessToken, resp.User.ID
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, path := range []string{
		"/api/v1/orders",
		"/api/v1/commissions",
		"/api/v1/wallet/balance",
		"/api/v1/withdrawals",
	} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without token, got %d", path, rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/orders", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username: "ab",
		Password: "supersecret123",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short username, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username: "valid-user",
		Password: "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", rec.Code)
	}
}

func TestRegisterThenAccessProtectedRoute(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, userID := registerAs(t, handler, "wanda-user")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/wallet/balance", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with fresh token, got %d body %s", rec.Code, rec.Body.String())
	}
	var resp domain.BalanceResponse
	decodeBody(t, rec, &resp)
	if resp.UserID != userID {
		t.Fatalf("expected balance for %s, got %s", userID, resp.UserID)
	}
}

func TestElevatedRegistrationNeedsAdmin(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username: "sneaky-marketer",
		Password: "supersecret123",
		Role:     domain.RoleMarketer,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 registering a marketer anonymously, got %d", rec.Code)
	}

	adminToken := loginAs(t, handler, "admin", "admin-test-pass")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", adminToken, domain.RegisterRequest{
		Username: "marketer-c",
		Password: "supersecret123",
		Role:     domain.RoleMarketer,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with admin token, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestAdminOnlyRoutesForbiddenForCustomers(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerAs(t, handler, "plain-user")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for audit logs, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/withdrawals/process-pending", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for withdrawal sweep, got %d", rec.Code)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	handler, _ := newTestHandler(t)
	adminToken := loginAs(t, handler, "admin", "admin-test-pass")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", adminToken, domain.ProductCreateRequest{
		SKU:        "SKU-UJI-01",
		Name:       "Barang Uji",
		Category:   "electronics",
		PriceCents: 150_000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: status %d body %s", rec.Code, rec.Body.String())
	}

	referrerToken, referrerID := registerAs(t, handler, "referrer-user")

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username:   "buyer-user",
		Password:   "supersecret123",
		ReferrerID: referrerID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register buyer: status %d body %s", rec.Code, rec.Body.String())
	}
	var buyerResp domain.RegisterResponse
	decodeBody(t, rec, &buyerResp)
	buyerToken := buyerResp.AccessToken

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", buyerToken, domain.OrderCreateRequest{
		Items: []domain.OrderLine{{SKU: "SKU-UJI-01", Qty: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: status %d body %s", rec.Code, rec.Body.String())
	}
	var orderResp domain.OrderResponse
	decodeBody(t, rec, &orderResp)
	if orderResp.Order.AmountCents != 300_000 || !orderResp.Order.CommissionPosted {
		t.Fatalf("unexpected order %+v", orderResp.Order)
	}

	// Another customer cannot read someone else's order.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+orderResp.Order.ID, referrerToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 reading another user's order, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/confirm", orderResp.Order.ID), referrerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 confirming another user's order, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/confirm", orderResp.Order.ID), buyerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm order: status %d body %s", rec.Code, rec.Body.String())
	}
	var confirmed domain.OrderResponse
	decodeBody(t, rec, &confirmed)
	if confirmed.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed status, got %s", confirmed.Order.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/confirm", orderResp.Order.ID), buyerToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double confirm, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/withdrawals/window", buyerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdrawal window: status %d", rec.Code)
	}
	var window struct {
		Window domain.WithdrawalWindow `json:"window"`
	}
	decodeBody(t, rec, &window)
	if window.Window.AvailableFrom.IsZero() || window.Window.AvailableUntil.IsZero() {
		t.Fatalf("expected window bounds, got %+v", window.Window)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/commissions", buyerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list commissions: status %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	handler, _ := newTestHandler(t)

	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
			Username: "admin",
			Password: "wrong-pass",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrValidation, http.StatusBadRequest},
		{store.ErrConflict, http.StatusConflict},
		{store.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{store.ErrWindowClosed, http.StatusLocked},
		{errors.New("admin role required"), http.StatusForbidden},
		{errors.New("only the buyer can confirm delivery"), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("error %q mapped to %d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin %q", origin)
	}
}
