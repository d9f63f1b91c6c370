package ratelimit

import "errors"

// ErrRateLimited is returned by callers that translate a denied Decision into
// an error for their own result path.
var ErrRateLimited = errors.New("ratelimit: too many requests")
