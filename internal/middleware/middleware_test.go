package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	domain "github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/ledger"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/metering"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecret = []byte("test-secret")

func authedRouter(t *testing.T, handlers ...gin.HandlerFunc) (*gin.Engine, *Auth) {
	t.Helper()
	auth := NewAuth(testSecret, nil)
	r := gin.New()
	chain := append([]gin.HandlerFunc{auth.Handler()}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": TenantID(c)})
	})
	r.POST("/api/v1/proofs", chain...)
	return r, auth
}

func request(t *testing.T, r *gin.Engine, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_RejectsMissingAndMalformedTokens(t *testing.T) {
	r, _ := authedRouter(t)

	if w := request(t, r, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	if w := request(t, r, "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d", w.Code)
	}

	other := NewAuth([]byte("different-secret"), nil)
	token, err := other.IssueToken("tenant-1", "", "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if w := request(t, r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", w.Code)
	}
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	r, auth := authedRouter(t)
	token, err := auth.IssueToken("tenant-1", "", "standard", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := request(t, r, token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAuth_RejectsExpiredToken(t *testing.T) {
	r, auth := authedRouter(t)
	token, err := auth.IssueToken("tenant-1", "", "", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if w := request(t, r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status = %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	r, auth := authedRouter(t, RequireAdmin())

	user, _ := auth.IssueToken("tenant-1", "", "", time.Hour)
	if w := request(t, r, user); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: status = %d", w.Code)
	}

	admin, _ := auth.IssueToken("tenant-1", RoleAdmin, "", time.Hour)
	if w := request(t, r, admin); w.Code != http.StatusOK {
		t.Fatalf("admin: status = %d", w.Code)
	}
}

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	r := gin.New()
	r.GET("/x", rl.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("over-limit request = %d, want 429", codes[2])
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.get("tenant-1")
	rl.get("tenant-2")
	if len(rl.limiters) != 2 {
		t.Fatalf("limiters = %d", len(rl.limiters))
	}
	rl.Cleanup(0)
	if len(rl.limiters) != 0 {
		t.Fatalf("cleanup left %d limiters", len(rl.limiters))
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func meteringStack(t *testing.T) (*metering.Pipeline, *ledger.Service) {
	t.Helper()
	store := memory.New()
	pricingSvc := pricing.New(store, nil, nil)
	ledgerSvc := ledger.New(store, nil, nil, nil)
	_, err := pricingSvc.SaveTier(context.Background(), domain.Tier{
		Name:      "standard",
		BasePrice: dec("0.01"),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("save tier: %v", err)
	}
	return metering.NewPipeline(pricingSvc, ledgerSvc, nil, nil), ledgerSvc
}

func TestMetering_PaymentRequiredBeforeHandler(t *testing.T) {
	pipeline, _ := meteringStack(t)
	auth := NewAuth(testSecret, nil)
	m := NewMetering(pipeline, nil)

	handlerRan := false
	r := gin.New()
	r.POST("/api/v1/proofs", auth.Handler(), m.Handler(), func(c *gin.Context) {
		handlerRan = true
		c.Status(http.StatusOK)
	})

	// Zero balance: pre-check must reject with 402 before the handler.
	token, _ := auth.IssueToken("tenant-1", "", "standard", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if handlerRan {
		t.Fatal("handler must not run after a failed pre-check")
	}
}

func TestMetering_SettlesAfterResponse(t *testing.T) {
	pipeline, ledgerSvc := meteringStack(t)
	if _, _, err := ledgerSvc.Credit(context.Background(), "tenant-1", dec("5"), ledger.TxMeta{Type: billing.TxTopup}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	auth := NewAuth(testSecret, nil)
	m := NewMetering(pipeline, nil)
	r := gin.New()
	r.POST("/api/v1/proofs", auth.Handler(), m.Handler(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	token, _ := auth.IssueToken("tenant-1", "", "standard", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	balance, err := ledgerSvc.GetBalance(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.LessThan(dec("5")) {
		t.Fatalf("balance = %s, settlement never charged", balance)
	}
}
