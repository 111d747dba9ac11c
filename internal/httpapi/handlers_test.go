package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"keywarden.org/internal/audit"
	"keywarden.org/internal/auth"
	"keywarden.org/internal/deviceauth"
	"keywarden.org/internal/envelope"
	"keywarden.org/internal/stream"
	"keywarden.org/internal/vault"
)

const testMasterKeyHex = "6b657977617264656e2d746573742d6b65792d6b657977617264656e2d746573"

type apiClient struct {
	baseURL string
	client  *http.Client
	store   vault.Store
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("WARDEN_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	key, err := envelope.KeyFromHex(testMasterKeyHex)
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	store := vault.NewInMemory()
	recorder := audit.NewRecorder(store.Audit())
	st := stream.New()
	service := vault.NewService(store, key,
		vault.WithRecorder(recorder),
		vault.WithNotifier(stream.Notifier{Stream: st}),
	)
	flow := deviceauth.New(store,
		deviceauth.WithRecorder(recorder),
		deviceauth.WithInterval(0),
	)

	api := New(service, flow, st, ReadyProbe{}, "test")
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

// obtainToken issues a bearer token the way the device flow would, without
// running the whole grant.
func (c *apiClient) obtainToken(identity string) string {
	c.t.Helper()
	token, tokenID, err := auth.GenerateToken(identity, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	err = c.store.Tokens().Create(context.Background(), &vault.Token{
		ID:        tokenID,
		Identity:  identity,
		Hash:      auth.HashToken(token),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		c.t.Fatalf("store token: %v", err)
	}
	return token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
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
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
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

func (c *apiClient) createResource(token, name string) (id, apiKey string) {
	c.t.Helper()
	resp := c.post("/v1/resources", map[string]any{"name": name}, authHeader(token))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create resource status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](c.t, resp)
	res := payload["resource"].(map[string]any)
	return res["id"].(string), payload["api_key"].(string)
}

func TestResourceAndFieldFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("alice")

	id, apiKey := api.createResource(owner, "production-db")
	if apiKey == "" {
		t.Fatal("expected plaintext api key at creation")
	}

	// Store a field.
	resp := api.do(http.MethodPut, "/v1/resources/"+id+"/fields/database_url",
		map[string]any{"value": "postgres://prod"}, authHeader(owner))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put field status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Overwrite is 200, not 201.
	resp = api.do(http.MethodPut, "/v1/resources/"+id+"/fields/database_url",
		map[string]any{"value": "postgres://prod2"}, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overwrite field status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Guardian reads directly.
	resp = api.get("/v1/resources/"+id+"/fields/database_url", nil, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull field status: %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["value"] != "postgres://prod2" {
		t.Fatalf("value = %q", body["value"])
	}

	// Machine path with the resource API key.
	resp = api.get("/v1/resources/"+id+"/fields/database_url", nil,
		map[string]string{"X-Api-Key": apiKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key pull status: %d", resp.StatusCode)
	}
	body = decode[map[string]string](t, resp)
	if body["value"] != "postgres://prod2" {
		t.Fatalf("machine value = %q", body["value"])
	}

	// Listing exposes metadata, never values.
	resp = api.get("/v1/resources/"+id+"/fields", nil, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list fields status: %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	items := listing["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	if _, has := items[0].(map[string]any)["value"]; has {
		t.Fatal("listing leaked a field value")
	}
}

func TestGatedPullAndApproval(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("alice")
	requester := api.obtainToken("bob")

	id, _ := api.createResource(owner, "staging-db")
	resp := api.do(http.MethodPut, "/v1/resources/"+id+"/fields/token",
		map[string]any{"value": "s3cr3t"}, authHeader(owner))
	resp.Body.Close()

	// Non-guardian read parks as a pending approval.
	resp = api.get("/v1/resources/"+id+"/fields/token",
		url.Values{"reason": []string{"deploy"}}, authHeader(requester))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	pending := decode[map[string]string](t, resp)
	requestID := pending["request_id"]
	if pending["status"] != "pending_approval" || requestID == "" {
		t.Fatalf("pending payload = %v", pending)
	}

	// A retry does not open a second request.
	resp = api.get("/v1/resources/"+id+"/fields/token", nil, authHeader(requester))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status: %d", resp.StatusCode)
	}
	again := decode[map[string]string](t, resp)
	if again["request_id"] != requestID {
		t.Fatal("duplicate approval request created")
	}

	// Guardian sees the queue.
	resp = api.get("/v1/approvals", url.Values{"resource": []string{id}}, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approvals listing status: %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	if len(listing["items"].([]any)) != 1 {
		t.Fatalf("items = %v", listing["items"])
	}

	// Approve, then the requester's retry succeeds.
	resp = api.post("/v1/approvals/"+requestID+"/decision",
		map[string]any{"decision": "APPROVE"}, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status: %d", resp.StatusCode)
	}
	resolved := decode[map[string]any](t, resp)
	if resolved["status"] != "APPROVED" {
		t.Fatalf("resolved status = %v", resolved["status"])
	}

	resp = api.get("/v1/resources/"+id+"/fields/token", nil, authHeader(requester))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post-approval pull status: %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["value"] != "s3cr3t" {
		t.Fatalf("value = %q", body["value"])
	}

	// A second decision on the resolved request conflicts.
	resp = api.post("/v1/approvals/"+requestID+"/decision",
		map[string]any{"decision": "DENY"}, authHeader(owner))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("late decision status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/resources", map[string]any{"name": "x"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestAPIKeyCannotManageResources(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("alice")
	_, apiKey := api.createResource(owner, "db")

	resp := api.post("/v1/resources", map[string]any{"name": "y"},
		map[string]string{"X-Api-Key": apiKey})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestAPIKeyBoundToItsResource(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("alice")
	_, apiKey := api.createResource(owner, "first")
	otherID, _ := api.createResource(owner, "second")

	resp := api.get("/v1/resources/"+otherID+"/fields/anything", nil,
		map[string]string{"X-Api-Key": apiKey})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("alice")

	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if err := api.store.Tokens().MarkRevoked(context.Background(), claims.ID); err != nil {
		t.Fatal(err)
	}

	resp := api.post("/v1/resources", map[string]any{"name": "x"}, authHeader(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %d", resp.StatusCode)
	}
}

func TestRotateAPIKeyOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	owner := api.obtainToken("alice")
	id, oldKey := api.createResource(owner, "db")

	resp := api.post("/v1/resources/"+id+"/rotate-key", nil, authHeader(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status: %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["api_key"] == "" || body["api_key"] == oldKey {
		t.Fatalf("unexpected rotated key %q", body["api_key"])
	}

	// Old key is dead immediately.
	resp = api.get("/v1/resources/"+id+"/fields/x", nil,
		map[string]string{"X-Api-Key": oldKey})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with retired key, got %d", resp.StatusCode)
	}
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	approver := api.obtainToken("ops@example.com")

	resp := api.post("/v1/device/code", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device code status: %d", resp.StatusCode)
	}
	codes := decode[deviceCodeResponse](t, resp)
	if codes.DeviceCode == "" || codes.UserCode == "" || codes.Interval < 0 {
		t.Fatalf("codes = %+v", codes)
	}

	// Pending before anyone approves.
	resp = api.post("/v1/device/token", map[string]any{"device_code": codes.DeviceCode}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pending poll status: %d", resp.StatusCode)
	}
	errBody := decode[map[string]string](t, resp)
	if errBody["error"] != "authorization_pending" {
		t.Fatalf("error = %q", errBody["error"])
	}

	resp = api.post("/v1/device/"+codes.UserCode+"/approve", nil, authHeader(approver))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("approve status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/device/token", map[string]any{"device_code": codes.DeviceCode}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token poll status: %d", resp.StatusCode)
	}
	tokenBody := decode[deviceTokenResponse](t, resp)
	if tokenBody.TokenType != "Bearer" || tokenBody.AccessToken == "" {
		t.Fatalf("token body = %+v", tokenBody)
	}

	// The minted token authenticates as the approver's identity.
	resp = api.post("/v1/resources", map[string]any{"name": "via-device"},
		authHeader(tokenBody.AccessToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with device token status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	res := payload["resource"].(map[string]any)
	guardResp := api.get("/v1/resources/"+res["id"].(string), nil, authHeader(tokenBody.AccessToken))
	if guardResp.StatusCode != http.StatusOK {
		t.Fatalf("get resource status: %d", guardResp.StatusCode)
	}
	detail := decode[map[string]any](t, guardResp)
	guardians := detail["guardians"].([]any)
	if guardians[0].(map[string]any)["identity"] != "ops@example.com" {
		t.Fatalf("guardians = %v", guardians)
	}

	// The consumed device code never issues twice.
	resp = api.post("/v1/device/token", map[string]any{"device_code": codes.DeviceCode}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reuse status: %d", resp.StatusCode)
	}
	errBody = decode[map[string]string](t, resp)
	if errBody["error"] != "expired_token" {
		t.Fatalf("reuse error = %q", errBody["error"])
	}
}

func TestDeviceTokenUnknownCode(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/device/token", map[string]any{"device_code": "bogus"}, nil)
	errBody := decode[map[string]string](t, resp)
	if errBody["error"] != "expired_token" {
		t.Fatalf("error = %q", errBody["error"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
