// Package entitlement merges every policy attached to a principal into
// a single evaluation-ready document.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/policy"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
)

// ErrEmptyPolicyList is returned when an attach or detach request names
// no policies.
var ErrEmptyPolicyList = errors.New("entitlement: policy list is empty")

// InvalidReferenceError reports attach requests naming policies that do
// not exist.
type InvalidReferenceError struct {
	Missing []string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("entitlement: unknown policies: %s", strings.Join(e.Missing, ", "))
}

// Aggregator resolves a principal's attached policies into one builder.
type Aggregator struct {
	store storage.Store
}

// NewAggregator creates an Aggregator over the given store.
func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// FetchEntitlements loads every policy attached to the principal and
// merges it into a fresh builder, together with a grouping line binding
// the principal to each policy and the standard template variables.
// The builder is returned unrendered so callers can merge in further
// request-scoped lines before Build.
func (a *Aggregator) FetchEntitlements(ctx context.Context, principalHrn string) (*policy.Builder, error) {
	attachments, err := a.store.ListAttachments(ctx, principalHrn)
	if err != nil {
		return nil, fmt.Errorf("listing attachments for %s: %w", principalHrn, err)
	}

	builder := policy.NewBuilder()
	for _, att := range attachments {
		pol, err := a.store.GetPolicy(ctx, att.PolicyHrn)
		if err != nil {
			return nil, fmt.Errorf("fetching policy %s: %w", att.PolicyHrn, err)
		}
		builder.WithPolicy(pol)
		builder.WithPrincipalPolicy(principalHrn, pol.Hrn)
	}

	if parsed, err := hrn.Parse(principalHrn); err == nil {
		builder.WithVariables(map[string]string{
			policy.VarOrganizationID: parsed.Organization(),
			policy.VarUserHrn:        principalHrn,
			policy.VarUserID:         parsed.ResourceInstance(),
		})
	}
	return builder, nil
}

// AttachPolicies links the principal to each named policy. Every
// referenced policy must exist; attaching an already-attached policy is
// a no-op.
func (a *Aggregator) AttachPolicies(ctx context.Context, principalHrn string, policyHrns []string) error {
	if len(policyHrns) == 0 {
		return ErrEmptyPolicyList
	}
	missing, err := a.store.MissingPolicies(ctx, policyHrns)
	if err != nil {
		return fmt.Errorf("checking policy references: %w", err)
	}
	if len(missing) > 0 {
		return &InvalidReferenceError{Missing: missing}
	}

	now := time.Now().UTC()
	attachments := make([]*models.PolicyAttachment, len(policyHrns))
	for i, policyHrn := range policyHrns {
		attachments[i] = &models.PolicyAttachment{
			PrincipalHrn: principalHrn,
			PolicyHrn:    policyHrn,
			CreatedAt:    now,
		}
	}
	return a.store.InsertAttachments(ctx, attachments)
}

// DetachPolicies removes matching attachments. Detaching a policy that
// was never attached is a no-op, not an error.
func (a *Aggregator) DetachPolicies(ctx context.Context, principalHrn string, policyHrns []string) error {
	if len(policyHrns) == 0 {
		return ErrEmptyPolicyList
	}
	return a.store.DeleteAttachments(ctx, principalHrn, policyHrns)
}

// AttachedPolicies returns the full policy records attached to the
// principal, in attachment order.
func (a *Aggregator) AttachedPolicies(ctx context.Context, principalHrn string) ([]*models.Policy, error) {
	attachments, err := a.store.ListAttachments(ctx, principalHrn)
	if err != nil {
		return nil, err
	}
	policies := make([]*models.Policy, 0, len(attachments))
	for _, att := range attachments {
		pol, err := a.store.GetPolicy(ctx, att.PolicyHrn)
		if err != nil {
			return nil, fmt.Errorf("fetching policy %s: %w", att.PolicyHrn, err)
		}
		policies = append(policies, pol)
	}
	return policies, nil
}
