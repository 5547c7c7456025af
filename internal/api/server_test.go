package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/iamcore/internal/storage"
)

const testRootKey = "test-root-key"

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	store := storage.NewMemoryStore()
	srv := NewServer(store, Config{
		Issuer:        "iamcore-test",
		TokenValidity: time.Hour,
		RootKey:       testRootKey,
	})
	if err := srv.KeyManager().Bootstrap(context.Background()); err != nil {
		t.Fatalf("key bootstrap failed: %v", err)
	}
	return srv, srv.BuildRouter()
}

type testRequest struct {
	method  string
	path    string
	body    any
	rootKey bool
	token   string
	basic   [2]string // email, password
}

func doRequest(t *testing.T, handler http.Handler, req testRequest) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var bodyReader *bytes.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	httpReq := httptest.NewRequest(req.method, req.path, bodyReader)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.rootKey {
		httpReq.Header.Set("X-IAM-Root-Key", testRootKey)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.basic[0] != "" {
		httpReq.SetBasicAuth(req.basic[0], req.basic[1])
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &parsed) //nolint:errcheck
	}
	return rec, parsed
}

// seedOrg creates an organization plus an admin user holding the
// auto-provisioned admin policy, and returns a token for that user.
func seedOrg(t *testing.T, handler http.Handler, org string) string {
	t.Helper()
	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations", rootKey: true,
		body: map[string]any{"id": org, "name": org},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("org create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	adminPolicy := body["admin_policy"].(map[string]any)["hrn"].(string)

	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/" + org + "/users", rootKey: true,
		body: map[string]any{"username": "admin", "email": "admin@" + org + ".test", "password": "admin-password"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("user create: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/" + org + "/users/admin/attach_policies", rootKey: true,
		body: map[string]any{"policies": []string{adminPolicy}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("attach: expected 204, got %d: %s", rec.Code, rec.Body)
	}

	rec, body = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/" + org + "/token",
		basic: [2]string{"admin@" + org + ".test", "admin-password"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token issue: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	return body["token"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	_, handler := newTestServer(t)
	rec, body := doRequest(t, handler, testRequest{method: "GET", path: "/v1/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	_, handler := newTestServer(t)
	rec, _ := doRequest(t, handler, testRequest{method: "GET", path: "/v1/organizations/acme"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestWrongRootKeyRejected(t *testing.T) {
	_, handler := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/organizations/acme", nil)
	req.Header.Set("X-IAM-Root-Key", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestOrganizationLifecycle(t *testing.T) {
	_, handler := newTestServer(t)

	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations", rootKey: true,
		body: map[string]any{"id": "acme"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if body["admin_policy"] == nil {
		t.Error("expected admin policy in response")
	}

	// Duplicate
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations", rootKey: true,
		body: map[string]any{"id": "acme"},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate org, got %d", rec.Code)
	}

	// Invalid id
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations", rootKey: true,
		body: map[string]any{"id": "bad:id"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", rec.Code)
	}

	rec, body = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme", rootKey: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["id"] != "acme" {
		t.Errorf("unexpected org body: %v", body)
	}

	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/ghost", rootKey: true,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminTokenGrantsOrgAccess(t *testing.T) {
	_, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	rec, _ := doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme", token: token,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("admin token should read own org, got %d: %s", rec.Code, rec.Body)
	}
}

func TestCrossOrganizationDenied(t *testing.T) {
	_, handler := newTestServer(t)
	acmeToken := seedOrg(t, handler, "acme")
	seedOrg(t, handler, "globex")

	rec, body := doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/globex", token: acmeToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-org access, got %d", rec.Code)
	}
	if errs, ok := body["errors"].([]any); !ok || len(errs) == 0 {
		t.Errorf("expected denial reasons, got %v", body)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	_, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	statements := []map[string]any{
		{"resource": "hrn:iam:acme:document/*", "action": "hrn:iam:acme:action/read", "effect": "allow"},
	}
	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/policies", token: token,
		body: map[string]any{"name": "readers", "statements": statements},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if body["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", body["version"])
	}

	// Empty statements rejected
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/policies", token: token,
		body: map[string]any{"name": "empty", "statements": []map[string]any{}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty statements, got %d", rec.Code)
	}

	// Invalid effect rejected
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/policies", token: token,
		body: map[string]any{"name": "badeffect", "statements": []map[string]any{
			{"resource": "r", "action": "a", "effect": "maybe"},
		}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid effect, got %d", rec.Code)
	}

	// Update bumps version and replaces statements wholesale
	rec, body = doRequest(t, handler, testRequest{
		method: "PUT", path: "/v1/organizations/acme/policies/readers", token: token,
		body: map[string]any{"statements": []map[string]any{
			{"resource": "hrn:iam:acme:report/*", "action": "hrn:iam:acme:action/read", "effect": "allow"},
		}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body["version"].(float64) != 2 {
		t.Errorf("expected version 2, got %v", body["version"])
	}
	got := body["statements"].([]any)
	if len(got) != 1 || got[0].(map[string]any)["resource"] != "hrn:iam:acme:report/*" {
		t.Errorf("statements not replaced: %v", got)
	}

	// List includes admin + readers
	rec, body = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme/policies", token: token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if policies := body["policies"].([]any); len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	// Delete, then 404
	rec, _ = doRequest(t, handler, testRequest{
		method: "DELETE", path: "/v1/organizations/acme/policies/readers", token: token,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme/policies/readers", token: token,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAttachDetachFlow(t *testing.T) {
	_, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	// A user with no entitlements gets denied everywhere.
	rec, _ := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/users", token: token,
		body: map[string]any{"username": "bob", "email": "bob@acme.test", "password": "bob-password"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/token",
		basic: [2]string{"bob@acme.test", "bob-password"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token issue: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	bobToken := body["token"].(string)

	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme", token: bobToken,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unentitled user, got %d", rec.Code)
	}

	// Attach a policy granting getOrganization, reissue, retry.
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/policies", token: token,
		body: map[string]any{"name": "org-viewer", "statements": []map[string]any{
			{"resource": "hrn:iam:acme:organization", "action": "hrn:iam:acme:action/getOrganization", "effect": "allow"},
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("policy create failed: %d: %s", rec.Code, rec.Body)
	}
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/users/bob/attach_policies", token: token,
		body: map[string]any{"policies": []string{"hrn:iam:acme:policy/org-viewer"}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("attach failed: %d: %s", rec.Code, rec.Body)
	}

	// Entitlements are sealed into the token at issuance: the old token
	// still lacks the grant until reissued.
	rec, body = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/token",
		basic: [2]string{"bob@acme.test", "bob-password"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token reissue failed: %d", rec.Code)
	}
	bobToken = body["token"].(string)

	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme", token: bobToken,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after attach, got %d: %s", rec.Code, rec.Body)
	}

	// Unknown policy reference
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/users/bob/attach_policies", token: token,
		body: map[string]any{"policies": []string{"hrn:iam:acme:policy/ghost"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown policy, got %d", rec.Code)
	}

	// Detach and verify listing
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/users/bob/detach_policies", token: token,
		body: map[string]any{"policies": []string{"hrn:iam:acme:policy/org-viewer"}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("detach failed: %d", rec.Code)
	}
	rec, body = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/organizations/acme/users/bob/policies", token: token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("list user policies failed: %d", rec.Code)
	}
	if policies, ok := body["policies"].([]any); ok && len(policies) != 0 {
		t.Errorf("expected no attached policies, got %v", policies)
	}
}

func TestValidateEndpoint(t *testing.T) {
	_, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/validate", token: token,
		body: map[string]any{"mode": "all", "requests": []map[string]any{
			{"resource": "hrn:iam:acme:document/x", "action": "hrn:iam:acme:action/read"},
			{"resource": "hrn:iam:globex:document/x", "action": "hrn:iam:globex:action/read"},
		}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body["allowed"] != false {
		t.Error("cross-org request should fail mode=all")
	}
	results := body["results"].([]any)
	if results[0] != true || results[1] != false {
		t.Errorf("unexpected per-request results: %v", results)
	}

	rec, body = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/validate", token: token,
		body: map[string]any{"mode": "any", "requests": []map[string]any{
			{"resource": "hrn:iam:acme:document/x", "action": "hrn:iam:acme:action/read"},
			{"resource": "hrn:iam:globex:document/x", "action": "hrn:iam:globex:action/read"},
		}},
	})
	if rec.Code != http.StatusOK || body["allowed"] != true {
		t.Errorf("mode=any should pass: %d %v", rec.Code, body)
	}

	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/validate", token: token,
		body: map[string]any{"mode": "sometimes", "requests": []map[string]any{
			{"resource": "r", "action": "a"},
		}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid mode, got %d", rec.Code)
	}
}

func TestRootTokenIssuanceForUser(t *testing.T) {
	_, handler := newTestServer(t)
	seedOrg(t, handler, "acme")

	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/token", rootKey: true,
		body: map[string]any{"user_hrn": "hrn:iam:acme:user/admin"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("unexpected token_type: %v", body["token_type"])
	}

	// Unknown user
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/acme/token", rootKey: true,
		body: map[string]any{"user_hrn": "hrn:iam:acme:user/ghost"},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", rec.Code)
	}

	// Org mismatch
	rec, _ = doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/organizations/globex/token", rootKey: true,
		body: map[string]any{"user_hrn": "hrn:iam:acme:user/admin"},
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for org mismatch, got %d", rec.Code)
	}
}

func TestKeyEndpointsRequireSystemScope(t *testing.T) {
	_, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	// Org admin is acme-scoped; key management lives in the system org.
	rec, _ := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/keys/rotate", token: token,
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for org admin, got %d", rec.Code)
	}

	rec, body := doRequest(t, handler, testRequest{
		method: "POST", path: "/v1/keys/rotate", rootKey: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for root, got %d: %s", rec.Code, rec.Body)
	}
	if body["status"] != "SIGNING" {
		t.Errorf("expected new SIGNING key, got %v", body["status"])
	}

	rec, body = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/keys", rootKey: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	keysList := body["keys"].([]any)
	if len(keysList) != 2 {
		t.Fatalf("expected 2 keys after one rotation, got %d", len(keysList))
	}
	for _, k := range keysList {
		entry := k.(map[string]any)
		if _, leaked := entry["PrivateKey"]; leaked {
			t.Error("key listing must not expose private material")
		}
	}
}

func TestAuditLog(t *testing.T) {
	_, handler := newTestServer(t)
	seedOrg(t, handler, "acme")

	rec, body := doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/audit?limit=50", rootKey: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	entries := body["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("expected audit entries from seeding traffic")
	}
	first := entries[0].(map[string]any)
	for _, field := range []string{"id", "path", "decision", "response_code"} {
		if _, ok := first[field]; !ok {
			t.Errorf("audit entry missing %s: %v", field, first)
		}
	}

	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: "/v1/audit?since=not-a-time", rootKey: true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", rec.Code)
	}

	rec, _ = doRequest(t, handler, testRequest{
		method: "GET", path: fmt.Sprintf("/v1/audit?limit=%d", 5000), rootKey: true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %d", rec.Code)
	}
}

func TestUserDeleteCleansAttachments(t *testing.T) {
	srv, handler := newTestServer(t)
	token := seedOrg(t, handler, "acme")

	rec, _ := doRequest(t, handler, testRequest{
		method: "DELETE", path: "/v1/organizations/acme/users/admin", token: token,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}

	attachments, err := srv.store.ListAttachments(context.Background(), "hrn:iam:acme:user/admin")
	if err != nil {
		t.Fatalf("ListAttachments failed: %v", err)
	}
	if len(attachments) != 0 {
		t.Errorf("expected attachments removed with user, got %d", len(attachments))
	}
}
