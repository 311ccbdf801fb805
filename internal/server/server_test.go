package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		MasterKey:      "0000000000000000000000000000000000000000000000000000000000000001",
		EthRPCURL:      "https://ethereum-rpc.publicnode.com",
		WebhookToken:   "test-webhook-token",
		AdminSecret:    "test-admin-secret",
		PollInterval:   config.DefaultPollInterval,
		ExpiryInterval: config.DefaultExpiryInterval,
		InvoiceTTL:     config.DefaultInvoiceTTL,
		SweepWorkers:   2,
		RateLimitRPM:   10000,
	}
}

// newTestServer creates a server with fake chain clients and in-memory stores
func newTestServer(t *testing.T) (*Server, map[chain.Chain]*chain.FakeClient) {
	t.Helper()

	fakes := make(map[chain.Chain]*chain.FakeClient)
	opts := make([]Option, 0, len(chain.All()))
	for _, ch := range chain.All() {
		f := chain.NewFakeClient(ch)
		fakes[ch] = f
		opts = append(opts, WithChainClient(ch, f))
	}

	s, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, fakes
}

func doJSON(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Address pools are empty on a fresh server, so the pool checks
	// report unhealthy and the overall status is degraded.
	w := doJSON(s, "GET", "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with empty pools, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}
	if resp["checks"] == nil {
		t.Error("Expected per-check detail in response")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "", nil)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/webhooks/payments",
		"POST:/v1/orders",
		"GET:/v1/orders/:id",
		"POST:/v1/orders/:id/cancel",
		"POST:/v1/subscriptions",
		"GET:/v1/subscriptions/:id",
		"GET:/v1/invoices/:id",
		"GET:/v1/products",
		"GET:/v1/products/:id",
		"POST:/v1/admin/sweep",
		"POST:/v1/admin/expire",
		"POST:/v1/admin/addresses",
		"GET:/v1/admin/pool/:chain",
		"POST:/v1/admin/products",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "POST", "/v1/admin/sweep", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = doJSON(s, "POST", "/v1/admin/sweep", "", map[string]string{"X-Admin-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}

	w = doJSON(s, "POST", "/v1/admin/sweep", "", map[string]string{"X-Admin-Secret": "test-admin-secret"})
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 with valid secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminDisabledWithoutConfiguredSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	opts := make([]Option, 0, len(chain.All()))
	for _, ch := range chain.All() {
		opts = append(opts, WithChainClient(ch, chain.NewFakeClient(ch)))
	}
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := doJSON(s, "POST", "/v1/admin/sweep", "", map[string]string{"X-Admin-Secret": ""})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when admin API is unconfigured, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Checkout and payment flow
// ---------------------------------------------------------------------------

func TestOrderCheckoutAndWebhookSettlement(t *testing.T) {
	s, fakes := newTestServer(t)
	adminHdr := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	// Load a deposit address for BTC.
	w := doJSON(s, "POST", "/v1/admin/addresses",
		`{"chain":"BTC","address":"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"}`, adminHdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 adding pool address, got %d: %s", w.Code, w.Body.String())
	}

	// Create a product.
	w = doJSON(s, "POST", "/v1/admin/products",
		`{"name":"Widget","price":"0.001","currency":"BTC","stockQuantity":5}`, adminHdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating product, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Product struct {
			ID string `json:"id"`
		} `json:"product"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.Product.ID == "" {
		t.Fatalf("Failed to parse product response: %v (%s)", err, w.Body.String())
	}

	// Checkout.
	w = doJSON(s, "POST", "/v1/orders",
		`{"chain":"BTC","items":[{"productId":"`+created.Product.ID+`","quantity":2}]}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating order, got %d: %s", w.Code, w.Body.String())
	}
	var checkout struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
		Invoice struct {
			ID      string `json:"id"`
			Address string `json:"address"`
			Status  string `json:"status"`
		} `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &checkout); err != nil {
		t.Fatalf("Failed to parse checkout response: %v", err)
	}
	if checkout.Invoice.Status != "pending" {
		t.Fatalf("Expected pending invoice, got %s", checkout.Invoice.Status)
	}

	// The payment lands on chain.
	txHash := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	fakes[chain.BTC].AddTx(checkout.Invoice.Address, chain.Tx{
		Hash:          txHash,
		Amount:        big.NewInt(200_000), // 0.00200000 BTC
		Confirmations: 2,
	})

	// The explorer notifies us.
	w = doJSON(s, "POST", "/v1/webhooks/payments",
		`{"chain":"BTC","address":"`+checkout.Invoice.Address+`","txHash":"`+txHash+`"}`,
		map[string]string{"X-Webhook-Token": "test-webhook-token"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from webhook, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"outcome":"matched"`) {
		t.Fatalf("Expected matched outcome, got %s", w.Body.String())
	}

	// Invoice and order are settled.
	w = doJSON(s, "GET", "/v1/invoices/"+checkout.Invoice.ID, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"paid"`) {
		t.Errorf("Expected paid invoice, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(s, "GET", "/v1/orders/"+checkout.Order.ID, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"confirmed"`) {
		t.Errorf("Expected confirmed order, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookBypassesOriginCheck(t *testing.T) {
	s, fakes := newTestServer(t)
	_ = fakes

	// A cross-site Origin forbids browser-path POSTs...
	w := doJSON(s, "POST", "/v1/orders", `{"chain":"BTC","items":[]}`,
		map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for cross-origin order, got %d", w.Code)
	}

	// ...but the webhook route answers regardless of Origin. 401 here
	// proves the request reached the handler's token check.
	w = doJSON(s, "POST", "/v1/webhooks/payments", `{}`,
		map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 from webhook token check, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Pool status
// ---------------------------------------------------------------------------

func TestPoolStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	adminHdr := map[string]string{"X-Admin-Secret": "test-admin-secret"}

	w := doJSON(s, "POST", "/v1/admin/addresses",
		`{"chain":"LTC","address":"ltc1qar0srrr7xfkvy5l643lydnw9re59gtzzdlaj6a"}`, adminHdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "GET", "/v1/admin/pool/LTC", "", adminHdr)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Remaining int64 `json:"remaining"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Remaining != 1 {
		t.Errorf("Expected 1 remaining, got %d", resp.Remaining)
	}

	w = doJSON(s, "GET", "/v1/admin/pool/DOGE", "", adminHdr)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown chain, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
