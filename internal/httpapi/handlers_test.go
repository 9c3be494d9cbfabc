package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"authgate.org/internal/auth"
	"authgate.org/internal/credential"
	"authgate.org/internal/kv"
)

const testPassword = "Str0ng!Passw0rd"

type apiClient struct {
	baseURL string
	client  *http.Client
	gw      *auth.Gateway
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	verifier := credential.NewVerifier(
		credential.NewArgon2(credential.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}),
		nil, zerolog.Nop())
	gw, err := auth.NewGateway(auth.Config{Secret: "test-secret"}, kv.NewMemory(), auth.WithVerifier(verifier))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	seed := []auth.UserInput{
		{TenantID: "acme", Username: "root", Roles: []string{auth.RoleSuperAdmin}},
		{TenantID: "acme", Username: "tadmin", Roles: []string{auth.RoleTenantAdmin}},
		{TenantID: "acme", Username: "alice", Roles: []string{auth.RoleMCPUser}},
		{TenantID: "globex", Username: "bob", Roles: []string{auth.RoleMCPUser}},
	}
	for _, in := range seed {
		in.Password = testPassword
		if _, err := gw.CreateUser(context.Background(), in); err != nil {
			t.Fatalf("seed %s: %v", in.Username, err)
		}
	}

	api := New(gw, WithVersion("test"), WithRateLimit(1000, 1000), WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		gw:      gw,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) login(tenant, username string) tokenResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"username":  username,
		"password":  testPassword,
		"tenant_id": tenant,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("login %s: unexpected status %d", username, resp.StatusCode)
	}
	tok := decode[tokenResponse](c.t, resp)
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		c.t.Fatalf("empty tokens issued")
	}
	return tok
}

func bearerHeader(tok tokenResponse) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok.AccessToken}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	if resp.StatusCode != want {
		resp.Body.Close()
		t.Fatalf("expected %d, got %d", want, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	return decode[map[string]any](t, resp)
}

func TestLoginAuthorizeRefreshLogout(t *testing.T) {
	api := newTestAPI(t)
	tok := api.login("acme", "alice")
	if tok.TokenType != "Bearer" || tok.User.Username != "alice" {
		t.Fatalf("unexpected token response: %+v", tok)
	}

	body := expectStatus(t, api.post("/v1/auth/authorize", map[string]any{"action": "access", "resource": "mcp"}, bearerHeader(tok)), http.StatusOK)
	if body["allowed"] != true || body["session_id"] != tok.SessionID {
		t.Fatalf("unexpected authorize body: %v", body)
	}

	body = expectStatus(t, api.post("/v1/auth/authorize", map[string]any{"action": "admin", "resource": "mcp"}, bearerHeader(tok)), http.StatusForbidden)
	if body["code"] != "forbidden" {
		t.Fatalf("unexpected code: %v", body["code"])
	}

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": tok.RefreshToken}, nil)
	next := decode[tokenResponse](t, resp)
	if next.SessionID != tok.SessionID || next.AccessToken == tok.AccessToken {
		t.Fatalf("refresh did not rotate tokens: %+v", next)
	}

	expectStatus(t, api.get("/v1/auth/me", nil, bearerHeader(tok)), http.StatusUnauthorized)
	me := expectStatus(t, api.get("/v1/auth/me", nil, bearerHeader(next)), http.StatusOK)
	if me["session_id"] != tok.SessionID {
		t.Fatalf("unexpected me body: %v", me)
	}

	expectStatus(t, api.post("/v1/auth/logout", nil, bearerHeader(next)), http.StatusNoContent)
	expectStatus(t, api.get("/v1/auth/me", nil, bearerHeader(next)), http.StatusUnauthorized)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	api := newTestAPI(t)
	for _, body := range []map[string]any{
		{"username": "alice", "password": "wrong", "tenant_id": "acme"},
		{"username": "ghost", "password": testPassword, "tenant_id": "acme"},
	} {
		resp := api.post("/v1/auth/login", body, nil)
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("expected WWW-Authenticate header")
		}
		got := expectStatus(t, resp, http.StatusUnauthorized)
		if got["code"] != "unauthorized" || got["error"] != "unauthorized" {
			t.Fatalf("unexpected body: %v", got)
		}
	}
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)
	cases := []map[string]any{
		{"username": "alice", "password": testPassword},
		{"username": "alice", "password": testPassword, "tenant_id": "acme", "extra": true},
		{"username": "alice", "password": testPassword, "tenant_id": "acme", "mfa_code": "12ab56"},
	}
	for _, body := range cases {
		got := expectStatus(t, api.post("/v1/auth/login", body, nil), http.StatusBadRequest)
		if got["code"] != "invalid_input" {
			t.Fatalf("unexpected body: %v", got)
		}
	}
	expectStatus(t, api.post("/v1/auth/login", nil, nil), http.StatusBadRequest)
}

func TestPolicyDrivesLoginOutcome(t *testing.T) {
	api := newTestAPI(t)
	root := bearerHeader(api.login("acme", "root"))

	policy := map[string]any{
		"mfa_required":            true,
		"session_timeout_seconds": 600,
	}
	stored := expectStatus(t, api.do(http.MethodPut, "/v1/tenants/acme/policy", policy, root), http.StatusOK)
	if stored["tenant_id"] != "acme" || stored["session_timeout_seconds"] != float64(600) {
		t.Fatalf("unexpected stored policy: %v", stored)
	}

	got := expectStatus(t, api.post("/v1/auth/login", map[string]any{
		"username": "alice", "password": testPassword, "tenant_id": "acme",
	}, nil), http.StatusUnauthorized)
	if got["code"] != "mfa_required" {
		t.Fatalf("expected mfa_required, got %v", got)
	}

	policy = map[string]any{
		"rules": []map[string]any{{
			"id": "office", "type": "ip-whitelist", "condition": `["192.0.2.0/24"]`, "action": "allow", "enabled": true,
		}},
	}
	expectStatus(t, api.do(http.MethodPut, "/v1/tenants/acme/policy", policy, root), http.StatusOK)
	resp := api.post("/v1/auth/login", map[string]any{
		"username": "alice", "password": testPassword, "tenant_id": "acme",
	}, nil)
	if resp.Header.Get("X-Denied-Category") != "ip" {
		t.Fatalf("expected ip category header, got %q", resp.Header.Get("X-Denied-Category"))
	}
	got = expectStatus(t, resp, http.StatusForbidden)
	if got["code"] != "policy_denied" {
		t.Fatalf("unexpected body: %v", got)
	}

	bad := map[string]any{"rules": []map[string]any{{
		"id": "r", "type": "time-based", "condition": "hour >", "action": "allow", "enabled": true,
	}}}
	expectStatus(t, api.do(http.MethodPut, "/v1/tenants/acme/policy", bad, root), http.StatusBadRequest)
}

func TestPolicyPasswordRulesCanBeCleared(t *testing.T) {
	api := newTestAPI(t)
	root := bearerHeader(api.login("acme", "root"))

	stored := expectStatus(t, api.do(http.MethodPut, "/v1/tenants/acme/policy", map[string]any{
		"password_policy": map[string]any{},
	}, root), http.StatusOK)
	pp, _ := stored["password_policy"].(map[string]any)
	if pp["min_length"] != float64(0) || pp["require_uppercase"] != false || pp["history_count"] != float64(0) {
		t.Fatalf("expected empty password rules, got %v", stored["password_policy"])
	}
	if _, err := api.gw.CreateUser(context.Background(), auth.UserInput{TenantID: "acme", Username: "lax", Password: "x"}); err != nil {
		t.Fatalf("weak password rejected under empty rules: %v", err)
	}

	stored = expectStatus(t, api.do(http.MethodPut, "/v1/tenants/acme/policy", map[string]any{}, root), http.StatusOK)
	pp, _ = stored["password_policy"].(map[string]any)
	if pp["min_length"] != float64(8) || pp["require_uppercase"] != true {
		t.Fatalf("expected default password rules, got %v", stored["password_policy"])
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/users", nil, nil)
	errBody := expectStatus(t, resp, http.StatusUnauthorized)
	if errBody["error"] == "" || errBody["request_id"] == "" {
		t.Fatalf("expected error message and request id: %v", errBody)
	}

	expectStatus(t, api.get("/v1/users", nil, map[string]string{"Authorization": "Basic abc"}), http.StatusUnauthorized)
	expectStatus(t, api.get("/v1/users", nil, map[string]string{"Authorization": "Bearer garbage"}), http.StatusUnauthorized)

	alice := bearerHeader(api.login("acme", "alice"))
	expectStatus(t, api.get("/v1/users", nil, alice), http.StatusForbidden)
	expectStatus(t, api.get("/v1/sessions", nil, alice), http.StatusForbidden)
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	body := expectStatus(t, api.get("/healthz", nil, nil), http.StatusOK)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	expectStatus(t, api.get("/readyz", nil, nil), http.StatusOK)
	expectStatus(t, api.get("/nope", nil, nil), http.StatusNotFound)
}

func TestSessionsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	root := bearerHeader(api.login("acme", "root"))
	alice := api.login("acme", "alice")
	api.login("globex", "bob")

	all := expectStatus(t, api.get("/v1/sessions", nil, root), http.StatusOK)
	if items := all["items"].([]any); len(items) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(items))
	}

	tadmin := api.login("acme", "tadmin")
	// tenant-admin lacks security:admin
	expectStatus(t, api.get("/v1/sessions", nil, bearerHeader(tadmin)), http.StatusForbidden)

	expectStatus(t, api.do(http.MethodDelete, "/v1/sessions/"+alice.SessionID, nil, root), http.StatusNoContent)
	expectStatus(t, api.do(http.MethodDelete, "/v1/sessions/"+alice.SessionID, nil, root), http.StatusNoContent)
	expectStatus(t, api.get("/v1/auth/me", nil, bearerHeader(alice)), http.StatusUnauthorized)

	res := expectStatus(t, api.post("/v1/sessions/cleanup", nil, root), http.StatusOK)
	if _, ok := res["sessions"]; !ok {
		t.Fatalf("unexpected cleanup body: %v", res)
	}
}
