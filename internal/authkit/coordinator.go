package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/storefront/internal/metrics"
	"github.com/tyemirov/storefront/internal/observable"
	"github.com/tyemirov/storefront/internal/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRefreshTimeout = 15 * time.Second
	revokeTimeout         = 10 * time.Second
)

// TokenOperations is the token service surface the coordinator drives.
type TokenOperations interface {
	IssueBasicToken(ctx context.Context) (TokenMaterial, error)
	IssueAnonymousToken(ctx context.Context, anonymousID string) (TokenMaterial, error)
	IssueUserToken(ctx context.Context, email string, password string, anonymousID string) (TokenMaterial, error)
	RefreshToken(ctx context.Context, refreshToken string, role Role) (TokenMaterial, error)
	ValidateToken(ctx context.Context, token string) (Introspection, error)
	RevokeToken(ctx context.Context, token string, role Role)
	ClearStoredTokens(ctx context.Context, role Role)
}

// Coordinator owns the session state machine and the single refresh gate.
// It implements commerce.TokenSource.
type Coordinator struct {
	tokens         TokenOperations
	store          *tokenstore.Guard
	logger         *zap.Logger
	metrics        metrics.Recorder
	refreshTimeout time.Duration
	newAnonymousID func() string

	gate       *semaphore.Weighted
	state      *observable.Value[TokenState]
	background sync.WaitGroup
}

// NewCoordinator validates configuration and builds a Coordinator in the initial basic state.
func NewCoordinator(configuration CoordinatorConfig) (*Coordinator, error) {
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("authkit.new_coordinator: %w: token operations are required", ErrConfiguration)
	}
	if configuration.Store == nil {
		return nil, fmt.Errorf("authkit.new_coordinator: %w: token store is required", ErrConfiguration)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := configuration.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	refreshTimeout := configuration.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	newAnonymousID := configuration.NewAnonymousID
	if newAnonymousID == nil {
		newAnonymousID = uuid.NewString
	}
	return &Coordinator{
		tokens:         configuration.Tokens,
		store:          configuration.Store,
		logger:         logger,
		metrics:        recorder,
		refreshTimeout: refreshTimeout,
		newAnonymousID: newAnonymousID,
		gate:           semaphore.NewWeighted(1),
		state:          observable.New(InitialState()),
	}, nil
}

// State returns the current session state.
func (coordinator *Coordinator) State() TokenState {
	return coordinator.state.Get()
}

// Role returns the current role.
func (coordinator *Coordinator) Role() Role {
	return coordinator.state.Get().Role
}

// IsLoading reports whether a token operation is in flight.
func (coordinator *Coordinator) IsLoading() bool {
	return coordinator.state.Get().IsLoading
}

// Subscribe registers listener for state changes.
func (coordinator *Coordinator) Subscribe(listener func(TokenState)) func() {
	return coordinator.state.Subscribe(listener)
}

// Wait blocks until background revocations have finished.
func (coordinator *Coordinator) Wait() {
	coordinator.background.Wait()
}

// Hydrate restores the persisted session and introspects its access token.
// Inactive tokens are replaced; transient failures keep the restored state.
func (coordinator *Coordinator) Hydrate(ctx context.Context) error {
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return fmt.Errorf("authkit.hydrate: %w", err)
	}
	defer coordinator.release()
	finish := coordinator.startLoading()
	defer finish()

	restored := coordinator.readStored(ctx)
	if _, err := coordinator.apply(restored); err != nil {
		return fmt.Errorf("authkit.hydrate: %w", err)
	}
	current := coordinator.state.Get()
	if current.AccessToken == "" {
		return nil
	}

	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	introspection, err := coordinator.tokens.ValidateToken(boundedCtx, current.AccessToken)
	if err != nil {
		coordinator.logger.Warn("hydrated token could not be validated",
			zap.String("code", "auth.hydrate.validate_failed"),
			zap.String("role", string(current.Role)),
			zap.Error(err))
		return nil
	}
	if introspection.Active {
		return nil
	}
	coordinator.logger.Info("hydrated token inactive",
		zap.String("code", "auth.hydrate.inactive"),
		zap.String("role", string(current.Role)))
	if current.Role == RoleBasic {
		coordinator.tokens.ClearStoredTokens(ctx, RoleBasic)
	}
	if err := coordinator.refreshOrReacquire(boundedCtx, current); err != nil {
		return fmt.Errorf("authkit.hydrate: %w", err)
	}
	return nil
}

// LogIn signs the customer in. An anonymous session is revoked in the background
// once the user session is established.
func (coordinator *Coordinator) LogIn(ctx context.Context, email string, password string) error {
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return fmt.Errorf("authkit.log_in: %w", err)
	}
	defer coordinator.release()

	previous := coordinator.state.Get()
	if previous.Role == RoleUser {
		return fmt.Errorf("authkit.log_in: %w: already signed in", ErrIllegalTransition)
	}
	finish := coordinator.startLoading()
	defer finish()

	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	material, err := coordinator.tokens.IssueUserToken(boundedCtx, email, password, previous.AnonymousID)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			coordinator.metrics.Increment(metrics.EventLoginFailed)
		}
		return fmt.Errorf("authkit.log_in: %w", err)
	}
	if _, err := coordinator.apply(Event{Kind: EventUserLoggedIn, AccessToken: material.AccessToken, RefreshToken: material.RefreshToken}); err != nil {
		return fmt.Errorf("authkit.log_in: %w", err)
	}
	coordinator.logger.Info("customer signed in",
		zap.String("code", "auth.login.succeeded"),
		zap.String("previous_role", string(previous.Role)))

	if previous.Role == RoleAnonymous {
		coordinator.tokens.ClearStoredTokens(ctx, RoleAnonymous)
		coordinator.revokeInBackground(RoleAnonymous, previous.AccessToken, previous.RefreshToken)
	}
	return nil
}

// LogOut clears the session's storage, revokes its tokens in the background and
// falls back to a basic token.
func (coordinator *Coordinator) LogOut(ctx context.Context) error {
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return fmt.Errorf("authkit.log_out: %w", err)
	}
	defer coordinator.release()

	current := coordinator.state.Get()
	if current.Role == RoleBasic {
		return nil
	}
	finish := coordinator.startLoading()
	defer finish()

	coordinator.tokens.ClearStoredTokens(ctx, current.Role)
	coordinator.revokeInBackground(current.Role, current.RefreshToken, current.AccessToken)
	if _, err := coordinator.apply(Event{Kind: EventLoggedOut}); err != nil {
		return fmt.Errorf("authkit.log_out: %w", err)
	}
	coordinator.metrics.Increment(metrics.EventLogout)

	if storedBasic := coordinator.store.Get(ctx, tokenstore.KeyBasicToken); storedBasic != "" {
		_, err := coordinator.apply(Event{Kind: EventBasicIssued, AccessToken: storedBasic})
		return err
	}
	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	if err := coordinator.reissueBasic(boundedCtx); err != nil {
		coordinator.logger.Warn("basic token unavailable after logout",
			zap.String("code", "auth.logout.basic_failed"),
			zap.Error(err))
	}
	return nil
}

// EnsureIdentity upgrades a basic session to an anonymous one so cart
// operations have an owner. Other roles are left alone.
func (coordinator *Coordinator) EnsureIdentity(ctx context.Context) error {
	if coordinator.state.Get().Role != RoleBasic {
		return nil
	}
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return fmt.Errorf("authkit.ensure_identity: %w", err)
	}
	defer coordinator.release()
	if coordinator.state.Get().Role != RoleBasic {
		return nil
	}
	finish := coordinator.startLoading()
	defer finish()

	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	anonymousID := coordinator.newAnonymousID()
	material, err := coordinator.tokens.IssueAnonymousToken(boundedCtx, anonymousID)
	if err != nil {
		return fmt.Errorf("authkit.ensure_identity: %w", err)
	}
	_, err = coordinator.apply(Event{
		Kind:         EventAnonymousIssued,
		AccessToken:  material.AccessToken,
		RefreshToken: material.RefreshToken,
		AnonymousID:  anonymousID,
	})
	if err != nil {
		return fmt.Errorf("authkit.ensure_identity: %w", err)
	}
	return nil
}

// AccessToken returns the current token, waiting while a refresh is in flight
// and issuing a basic token when the session has none.
func (coordinator *Coordinator) AccessToken(ctx context.Context) (string, error) {
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return "", fmt.Errorf("authkit.access_token: %w", err)
	}
	defer coordinator.release()

	current := coordinator.state.Get()
	if current.AccessToken != "" {
		return current.AccessToken, nil
	}
	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	if err := coordinator.refreshOrReacquire(boundedCtx, current); err != nil {
		return "", fmt.Errorf("authkit.access_token: %w", err)
	}
	return coordinator.state.Get().AccessToken, nil
}

// RecoverUnauthorized repairs the session after the platform rejected
// rejectedToken. When another caller already replaced that token the current
// one is returned without a network call, so concurrent 401s cause one refresh.
func (coordinator *Coordinator) RecoverUnauthorized(ctx context.Context, rejectedToken string) (string, error) {
	if err := coordinator.acquireForRefresh(ctx); err != nil {
		return "", fmt.Errorf("authkit.recover: %w", err)
	}
	defer coordinator.release()

	current := coordinator.state.Get()
	if current.AccessToken != "" && current.AccessToken != rejectedToken {
		coordinator.metrics.Increment(metrics.EventRefreshSkipped)
		return current.AccessToken, nil
	}
	finish := coordinator.startLoading()
	defer finish()

	boundedCtx, cancel := context.WithTimeout(ctx, coordinator.refreshTimeout)
	defer cancel()
	if err := coordinator.refreshOrReacquire(boundedCtx, current); err != nil {
		return "", fmt.Errorf("authkit.recover: %w", err)
	}
	return coordinator.state.Get().AccessToken, nil
}

// refreshOrReacquire runs with the gate held. Basic sessions get a new basic
// token; others refresh and fall back to basic when the refresh token is dead.
func (coordinator *Coordinator) refreshOrReacquire(ctx context.Context, current TokenState) error {
	if current.Role == RoleBasic {
		return coordinator.reissueBasic(ctx)
	}
	material, err := coordinator.tokens.RefreshToken(ctx, current.RefreshToken, current.Role)
	switch {
	case err == nil:
		_, applyErr := coordinator.apply(Event{Kind: EventRefreshed, AccessToken: material.AccessToken, RefreshToken: material.RefreshToken})
		return applyErr
	case errors.Is(err, ErrRefreshRejected):
		coordinator.metrics.Increment(metrics.EventRefreshRejected)
		coordinator.logger.Info("refresh token rejected, falling back to basic",
			zap.String("code", "auth.refresh.rejected"),
			zap.String("role", string(current.Role)))
		coordinator.tokens.ClearStoredTokens(ctx, current.Role)
		if _, applyErr := coordinator.apply(Event{Kind: EventRefreshRejected}); applyErr != nil {
			return applyErr
		}
		return coordinator.reissueBasic(ctx)
	default:
		coordinator.logger.Warn("token refresh failed",
			zap.String("code", "auth.refresh.transient"),
			zap.String("role", string(current.Role)),
			zap.Error(err))
		return err
	}
}

func (coordinator *Coordinator) reissueBasic(ctx context.Context) error {
	material, err := coordinator.tokens.IssueBasicToken(ctx)
	if err != nil {
		return err
	}
	_, err = coordinator.apply(Event{Kind: EventBasicIssued, AccessToken: material.AccessToken})
	return err
}

// readStored picks the persisted session: user pair, then anonymous pair, then basic.
func (coordinator *Coordinator) readStored(ctx context.Context) Event {
	userToken := coordinator.store.Get(ctx, tokenstore.KeyUserToken)
	userRefresh := coordinator.store.Get(ctx, tokenstore.KeyUserRefreshToken)
	if userToken != "" && userRefresh != "" {
		return Event{Kind: EventRestored, Role: RoleUser, AccessToken: userToken, RefreshToken: userRefresh}
	}
	anonymousToken := coordinator.store.Get(ctx, tokenstore.KeyAnonymousToken)
	anonymousRefresh := coordinator.store.Get(ctx, tokenstore.KeyAnonymousRefreshToken)
	if anonymousToken != "" && anonymousRefresh != "" {
		return Event{
			Kind:         EventRestored,
			Role:         RoleAnonymous,
			AccessToken:  anonymousToken,
			RefreshToken: anonymousRefresh,
			AnonymousID:  coordinator.store.Get(ctx, tokenstore.KeyAnonymousID),
		}
	}
	return Event{Kind: EventRestored, Role: RoleBasic, AccessToken: coordinator.store.Get(ctx, tokenstore.KeyBasicToken)}
}

func (coordinator *Coordinator) revokeInBackground(role Role, tokens ...string) {
	coordinator.background.Add(1)
	go func() {
		defer coordinator.background.Done()
		revokeCtx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		for _, token := range tokens {
			coordinator.tokens.RevokeToken(revokeCtx, token, role)
		}
	}()
}

// apply runs event through Transition and publishes the result.
func (coordinator *Coordinator) apply(event Event) (TokenState, error) {
	var transitionErr error
	next := coordinator.state.Update(func(current TokenState) TokenState {
		updated, err := Transition(current, event)
		transitionErr = err
		return updated
	})
	if transitionErr != nil {
		coordinator.logger.Error("illegal session transition",
			zap.String("code", "auth.transition.illegal"),
			zap.String("event", string(event.Kind)),
			zap.Error(transitionErr))
	}
	return next, transitionErr
}

func (coordinator *Coordinator) startLoading() func() {
	coordinator.apply(Event{Kind: EventLoadingStarted})
	return func() {
		coordinator.apply(Event{Kind: EventLoadingFinished})
	}
}

// acquireForRefresh and release are the only code touching the gate.
func (coordinator *Coordinator) acquireForRefresh(ctx context.Context) error {
	return coordinator.gate.Acquire(ctx, 1)
}

func (coordinator *Coordinator) release() {
	coordinator.gate.Release(1)
}
