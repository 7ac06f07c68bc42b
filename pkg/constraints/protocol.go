package constraints

// Outbound header names shared by the client and the proxy.
const (
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	HeaderRequestID     = "X-Request-ID"
	HeaderTraceID       = "X-Trace-ID"
	HeaderRetryAfter    = "Retry-After"

	ContentTypeJSON = "application/json"
	BearerPrefix    = "Bearer "
)

// Session storage modes accepted by the session.store setting.
const (
	StoreCookie = "cookie"
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreEtcd   = "etcd"
	StoreMySQL  = "mysql"
)
