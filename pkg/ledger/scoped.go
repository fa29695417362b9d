package ledger

import (
	"context"
	"fmt"

	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
)

// ScopedLedger enforces tenant isolation in front of any Ledger backend.
// Authorization is checked before the inner call, so an unauthorized append
// produces no side effect at all.
type ScopedLedger struct {
	inner Ledger
	cred  tenants.Credential
}

// Scoped wraps inner so that only the credential's tenants are reachable.
func Scoped(inner Ledger, cred tenants.Credential) *ScopedLedger {
	return &ScopedLedger{inner: inner, cred: cred}
}

func (l *ScopedLedger) Append(ctx context.Context, r Receipt) (AppendStatus, error) {
	if !l.cred.Authorizes(r.TenantID) {
		return "", fmt.Errorf("%w: %s", ErrUnauthorizedTenant, r.TenantID)
	}
	return l.inner.Append(ctx, r)
}

func (l *ScopedLedger) Get(ctx context.Context, tenantID, sessionID string, seq uint64) (Receipt, error) {
	if !l.cred.Authorizes(tenantID) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorizedTenant, tenantID)
	}
	return l.inner.Get(ctx, tenantID, sessionID, seq)
}

func (l *ScopedLedger) ListSession(ctx context.Context, tenantID, sessionID string) ([]Receipt, error) {
	if !l.cred.Authorizes(tenantID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedTenant, tenantID)
	}
	return l.inner.ListSession(ctx, tenantID, sessionID)
}
