package auth

// Known OAuth scopes used by the pipeline services.
const (
	ScopeExceptionsWrite = "exceptions:write"
	ScopeEventsRead      = "events:read"
	ScopeDLQManage       = "dlq:manage"
)
