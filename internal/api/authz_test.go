package api

import (
	"strings"
	"testing"

	"github.com/org/iamcore/internal/policy"
)

const (
	guardTestEntitlements = "p, hrn:iam:acme:user/alice, hrn:iam:acme:document/*, hrn:iam:acme:action/read, allow\n" +
		"p, hrn:iam:acme:user/alice, hrn:iam:acme:document/*, hrn:iam:acme:action/write, allow\n"
	guardTestResource = "hrn:iam:acme:document/report"
)

func guardRequests(actions []string) []policy.Request {
	requests := make([]policy.Request, len(actions))
	for i, action := range actions {
		requests[i] = policy.Request{
			Principal: "hrn:iam:acme:user/alice",
			Resource:  guardTestResource,
			Action:    "hrn:iam:acme:action/" + action,
		}
	}
	return requests
}

func TestEvaluateAllSatisfied(t *testing.T) {
	actions := []string{"read", "write"}
	authzErr, err := evaluate(guardAll, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr != nil {
		t.Errorf("expected allow, got reasons %v", authzErr.Reasons)
	}
}

func TestEvaluateAllPartialDenied(t *testing.T) {
	actions := []string{"read", "delete"}
	authzErr, err := evaluate(guardAll, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr == nil {
		t.Fatal("expected denial")
	}
	if len(authzErr.Reasons) != 1 {
		t.Fatalf("expected 1 reason, got %v", authzErr.Reasons)
	}
	if !strings.Contains(authzErr.Reasons[0], "delete") {
		t.Errorf("reason should name the unmet action: %s", authzErr.Reasons[0])
	}
}

func TestEvaluateAnyOneSuffices(t *testing.T) {
	actions := []string{"delete", "read"}
	authzErr, err := evaluate(guardAny, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr != nil {
		t.Errorf("expected allow when one action matches, got %v", authzErr.Reasons)
	}
}

func TestEvaluateAnyNoneMatch(t *testing.T) {
	actions := []string{"delete", "purge"}
	authzErr, err := evaluate(guardAny, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr == nil {
		t.Fatal("expected denial when no action matches")
	}
	if len(authzErr.Reasons) != 2 {
		t.Errorf("expected a reason per action, got %v", authzErr.Reasons)
	}
}

func TestEvaluateNone(t *testing.T) {
	actions := []string{"delete", "purge"}
	authzErr, err := evaluate(guardNone, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr != nil {
		t.Errorf("expected allow when nothing is permitted, got %v", authzErr.Reasons)
	}

	actions = []string{"delete", "read"}
	authzErr, err = evaluate(guardNone, guardTestEntitlements, guardRequests(actions), actions, guardTestResource)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if authzErr == nil {
		t.Fatal("expected denial when a forbidden action is permitted")
	}
	if !strings.Contains(authzErr.Reasons[0], "read") {
		t.Errorf("reason should name the permitted action: %s", authzErr.Reasons[0])
	}
}

func TestEvaluateMalformedEntitlements(t *testing.T) {
	actions := []string{"read"}
	if _, err := evaluate(guardAll, "p, too, few", guardRequests(actions), actions, guardTestResource); err == nil {
		t.Error("expected error for malformed entitlement document")
	}
}

func TestAuthorizationErrorMessage(t *testing.T) {
	err := &AuthorizationError{Reasons: []string{"a", "b"}}
	if !strings.Contains(err.Error(), "2") {
		t.Errorf("error should count unmet permissions: %s", err.Error())
	}
}
