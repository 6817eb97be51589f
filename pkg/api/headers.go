package api

// Advisory response header names. Non-HTTP transports may map these to
// equivalent metadata keys.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"

	HeaderRateLimitLimitSecond  = "X-RateLimit-Limit-Second"
	HeaderRateLimitLimitMinute  = "X-RateLimit-Limit-Minute"
	HeaderRateLimitLimitHour    = "X-RateLimit-Limit-Hour"
	HeaderRateLimitRemainSecond = "X-RateLimit-Remaining-Second"
	HeaderRateLimitRemainMinute = "X-RateLimit-Remaining-Minute"
	HeaderRateLimitRemainHour   = "X-RateLimit-Remaining-Hour"
	HeaderRateLimitResetSecond  = "X-RateLimit-Reset-Second"
	HeaderRateLimitResetMinute  = "X-RateLimit-Reset-Minute"
	HeaderRateLimitResetHour    = "X-RateLimit-Reset-Hour"

	HeaderRetryAfter = "Retry-After"
)
