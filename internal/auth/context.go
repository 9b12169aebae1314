package auth

import "context"

type contextKey string

const (
	contextKeyProvider contextKey = "auth.provider_id"
	contextKeyRole     contextKey = "auth.role"
	contextKeySubject  contextKey = "auth.subject"
)

// WithIdentity stores auth identity details in context. An empty provider id
// means the caller is not restricted to one provider's units.
func WithIdentity(ctx context.Context, providerID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyProvider, providerID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// ProviderIDFromContext extracts the provider scope from context.
func ProviderIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if providerID, ok := ctx.Value(contextKeyProvider).(string); ok {
		return providerID
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := ParseRole(role); valid {
			return normalized
		}
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if subject, ok := ctx.Value(contextKeySubject).(string); ok {
		return subject
	}
	return ""
}
