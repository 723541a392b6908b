package posts

import "errors"

// Sentinel errors returned by Repository implementations.
var (
	ErrPostNotFound   = errors.New("scheduled post not found")
	ErrAlreadyClaimed = errors.New("scheduled post already claimed for execution")

	errBodyLength = errors.New("post body length must be in [1, 300] code points")
)
