package shared

import "errors"

var (
	// ErrUnauthenticated indicates the request carried no valid identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is the single user-visible outcome of a denied decision.
	ErrForbidden = errors.New("forbidden")
)
