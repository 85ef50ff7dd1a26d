package auth

// Known OAuth scopes accepted by the API.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeActivitiesRead  = "activities:read"
	ScopeRewardsRead     = "rewards:read"
	// ScopeAuditRead is granted to operators, never to end-user tokens.
	ScopeAuditRead = "audit:read"
)
