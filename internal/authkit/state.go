package authkit

import "fmt"

// Role is the kind of session the agent holds.
type Role string

// Roles.
const (
	RoleBasic     Role = "basic"
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
)

// TokenState is the authoritative session descriptor. A basic session never
// carries a refresh token.
type TokenState struct {
	Role         Role
	AccessToken  string
	RefreshToken string
	AnonymousID  string
	IsLoading    bool
}

// InitialState is the state before hydration: basic, no token.
func InitialState() TokenState {
	return TokenState{Role: RoleBasic}
}

// EventKind names a state machine input.
type EventKind string

// Events.
const (
	EventLoadingStarted  EventKind = "loading_started"
	EventLoadingFinished EventKind = "loading_finished"
	EventRestored        EventKind = "restored"
	EventBasicIssued     EventKind = "basic_issued"
	EventAnonymousIssued EventKind = "anonymous_issued"
	EventUserLoggedIn    EventKind = "user_logged_in"
	EventRefreshed       EventKind = "refreshed"
	EventRefreshRejected EventKind = "refresh_rejected"
	EventLoggedOut       EventKind = "logged_out"
)

// Event is one input to Transition. Role is only read by EventRestored.
type Event struct {
	Kind         EventKind
	Role         Role
	AccessToken  string
	RefreshToken string
	AnonymousID  string
}

// Transition applies event to state. Illegal pairs return the unchanged state
// and an error wrapping ErrIllegalTransition.
func Transition(state TokenState, event Event) (TokenState, error) {
	next := state
	switch event.Kind {
	case EventLoadingStarted:
		next.IsLoading = true
		return next, nil
	case EventLoadingFinished:
		next.IsLoading = false
		return next, nil

	case EventRestored:
		if state.Role != RoleBasic || state.AccessToken != "" {
			return state, illegal(state, event)
		}
		switch event.Role {
		case RoleBasic:
			next.AccessToken = event.AccessToken
			next.RefreshToken = ""
			next.AnonymousID = ""
		case RoleAnonymous, RoleUser:
			if event.RefreshToken == "" {
				return state, fmt.Errorf("authkit.transition.%s: %w", event.Kind, ErrMissingRefreshToken)
			}
			next.AccessToken = event.AccessToken
			next.RefreshToken = event.RefreshToken
			next.AnonymousID = ""
			if event.Role == RoleAnonymous {
				next.AnonymousID = event.AnonymousID
			}
		default:
			return state, illegal(state, event)
		}
		next.Role = event.Role
		return next, nil

	case EventBasicIssued:
		if state.Role != RoleBasic {
			return state, illegal(state, event)
		}
		next.AccessToken = event.AccessToken
		next.RefreshToken = ""
		next.AnonymousID = ""
		return next, nil

	case EventAnonymousIssued:
		if state.Role != RoleBasic {
			return state, illegal(state, event)
		}
		if event.RefreshToken == "" {
			return state, fmt.Errorf("authkit.transition.%s: %w", event.Kind, ErrMissingRefreshToken)
		}
		next.Role = RoleAnonymous
		next.AccessToken = event.AccessToken
		next.RefreshToken = event.RefreshToken
		next.AnonymousID = event.AnonymousID
		return next, nil

	case EventUserLoggedIn:
		if state.Role != RoleBasic && state.Role != RoleAnonymous {
			return state, illegal(state, event)
		}
		if event.RefreshToken == "" {
			return state, fmt.Errorf("authkit.transition.%s: %w", event.Kind, ErrMissingRefreshToken)
		}
		next.Role = RoleUser
		next.AccessToken = event.AccessToken
		next.RefreshToken = event.RefreshToken
		next.AnonymousID = ""
		return next, nil

	case EventRefreshed:
		if state.Role != RoleAnonymous && state.Role != RoleUser {
			return state, illegal(state, event)
		}
		next.AccessToken = event.AccessToken
		if event.RefreshToken != "" {
			next.RefreshToken = event.RefreshToken
		}
		return next, nil

	case EventRefreshRejected, EventLoggedOut:
		if state.Role != RoleAnonymous && state.Role != RoleUser {
			return state, illegal(state, event)
		}
		next.Role = RoleBasic
		next.AccessToken = ""
		next.RefreshToken = ""
		next.AnonymousID = ""
		return next, nil
	}
	return state, illegal(state, event)
}

func illegal(state TokenState, event Event) error {
	return fmt.Errorf("authkit.transition.%s from %s: %w", event.Kind, state.Role, ErrIllegalTransition)
}
