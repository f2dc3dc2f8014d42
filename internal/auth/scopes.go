package auth

const (
	ScopeOpenID          = "openid"
	ScopeProfile         = "profile"
	ScopeEmail           = "email"
	ScopeAutomationRead  = "automation:read"
	ScopeAutomationWrite = "automation:write"
)

// AllScopes is the scope set requested by the API docs page and frontends.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeAutomationRead,
	ScopeAutomationWrite,
}
