package auth

// OAuth scopes used by the capture API.
const (
	ScopeCapturesWrite = "captures:write"
	ScopeCapturesRead  = "captures:read"
)
