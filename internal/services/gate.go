package services

// RequireRole is the single authorization point for privileged operations.
// A nil actor never passes.
func RequireRole(actor *User, allowed ...Role) error {
	if actor == nil {
		return NewUnauthorizedError("unauthorized")
	}
	for _, r := range allowed {
		if actor.Role == r {
			return nil
		}
	}
	return NewUnauthorizedError("unauthorized")
}

var (
	staffRoles = []Role{RoleAnalyst, RoleAdmin}
	adminRoles = []Role{RoleAdmin}
)

// RateLimiter counts keyed attempts for the lifetime of the process.
// RegisterAttempt returns a too_many_requests ServiceError once the budget is exceeded.
type RateLimiter interface {
	RegisterAttempt(key string) error
}

// AuditStore receives privileged-action records.
type AuditStore interface {
	AddAudit(e *AuditEvent) error
}
