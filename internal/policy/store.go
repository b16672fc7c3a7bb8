package policy

import "context"

// Store persists one policy per tenant.
type Store interface {
	// Get returns ErrPolicyNotFound when the tenant has no stored policy.
	Get(ctx context.Context, tenantID string) (*Policy, error)
	// Put creates or replaces the tenant's policy, bumping Version and
	// setting CreatedAt/UpdatedAt on p.
	Put(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]*Policy, error)
}
