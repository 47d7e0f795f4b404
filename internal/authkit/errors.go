package authkit

import "errors"

var (
	// ErrConfiguration indicates a required collaborator or setting is missing.
	ErrConfiguration = errors.New("authkit.configuration")
	// ErrInvalidCredentials indicates the platform rejected the sign-in.
	ErrInvalidCredentials = errors.New("authkit.invalid_credentials")
	// ErrRefreshRejected indicates the refresh token is dead.
	ErrRefreshRejected = errors.New("authkit.refresh_rejected")
	// ErrGrantRejected indicates the platform refused a client credentials grant.
	ErrGrantRejected = errors.New("authkit.grant_rejected")
	// ErrTransient indicates a timeout, connectivity failure or 5xx answer; stored state is untouched.
	ErrTransient = errors.New("authkit.transient")
	// ErrIllegalTransition indicates an event that is not legal in the current role.
	ErrIllegalTransition = errors.New("authkit.illegal_transition")
	// ErrMissingRefreshToken indicates an anonymous or user session without a refresh token.
	ErrMissingRefreshToken = errors.New("authkit.missing_refresh_token")
)
