package api

import (
	"context"

	"github.com/org/iamcore/pkg/models"
)

type contextKey string

const (
	ctxKeyPrincipal contextKey = "principal"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyHolder    contextKey = "principal_holder"
)

// principalHolder lets middleware running outside the auth layer (the
// audit recorder) observe the principal resolved further down the
// chain, since the inner context never propagates back out.
type principalHolder struct {
	principal *models.Principal
}

func withPrincipalHolder(ctx context.Context) (context.Context, *principalHolder) {
	holder := &principalHolder{}
	return context.WithValue(ctx, ctxKeyHolder, holder), holder
}

func withPrincipal(ctx context.Context, p *models.Principal) context.Context {
	if holder, ok := ctx.Value(ctxKeyHolder).(*principalHolder); ok {
		holder.principal = p
	}
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func principalFromCtx(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*models.Principal)
	return p
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
