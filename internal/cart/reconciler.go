package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tyemirov/storefront/internal/commerce"
	"github.com/tyemirov/storefront/internal/metrics"
	"github.com/tyemirov/storefront/internal/observable"
	"go.uber.org/zap"
)

// ErrConfiguration indicates a missing collaborator.
var ErrConfiguration = errors.New("cart.configuration")

// Identity guarantees the session can own a cart.
type Identity interface {
	EnsureIdentity(ctx context.Context) error
}

// Carts is the cart API the reconciler drives.
type Carts interface {
	GetActiveCart(ctx context.Context) (*commerce.Cart, error)
	CreateCart(ctx context.Context, draft commerce.CartDraft) (*commerce.Cart, error)
	UpdateCart(ctx context.Context, cartID string, version int64, actions []commerce.CartAction) (*commerce.Cart, error)
	DeleteCart(ctx context.Context, cartID string, version int64) (*commerce.Cart, error)
}

// ReconcilerConfig wires the reconciler.
type ReconcilerConfig struct {
	Identity Identity
	Carts    Carts
	Logger   *zap.Logger
	Metrics  metrics.Recorder
}

// Reconciler applies desired quantities to the active cart. Calls are serialized.
type Reconciler struct {
	identity Identity
	carts    Carts
	logger   *zap.Logger
	metrics  metrics.Recorder

	mutex    sync.Mutex
	updating *observable.Value[bool]
}

// NewReconciler validates configuration and builds a Reconciler.
func NewReconciler(configuration ReconcilerConfig) (*Reconciler, error) {
	if configuration.Identity == nil || configuration.Carts == nil {
		return nil, fmt.Errorf("cart.new_reconciler: %w: identity and carts are required", ErrConfiguration)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := configuration.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Reconciler{
		identity: configuration.Identity,
		carts:    configuration.Carts,
		logger:   logger,
		metrics:  recorder,
		updating: observable.New(false),
	}, nil
}

// IsUpdating reports whether a reconciliation is in flight.
func (reconciler *Reconciler) IsUpdating() bool {
	return reconciler.updating.Get()
}

// Subscribe registers listener for IsUpdating changes.
func (reconciler *Reconciler) Subscribe(listener func(bool)) func() {
	return reconciler.updating.Subscribe(listener)
}

// ChangeItemsQuantity reads the active cart, plans the minimal change and
// applies it in one request. It returns nil when the session ends up without a
// cart. Version conflicts are returned to the caller, never retried.
func (reconciler *Reconciler) ChangeItemsQuantity(ctx context.Context, draft commerce.CartDraft, desired []DesiredQuantity) (*commerce.Cart, error) {
	reconciler.mutex.Lock()
	defer reconciler.mutex.Unlock()
	reconciler.updating.Set(true)
	defer reconciler.updating.Set(false)

	if err := reconciler.identity.EnsureIdentity(ctx); err != nil {
		return nil, fmt.Errorf("cart.change_quantities.identity: %w", err)
	}

	current, err := reconciler.carts.GetActiveCart(ctx)
	if err != nil {
		if !errors.Is(err, commerce.ErrNotFound) {
			return nil, fmt.Errorf("cart.change_quantities.fetch: %w", err)
		}
		if !hasPositive(desired) {
			return nil, nil
		}
		current, err = reconciler.carts.CreateCart(ctx, draft)
		if err != nil {
			return nil, fmt.Errorf("cart.change_quantities.create: %w", err)
		}
		reconciler.logger.Debug("cart created",
			zap.String("code", "cart.reconcile.created"),
			zap.String("cart_id", current.ID))
	}

	plan := PlanActions(current, desired)
	switch {
	case plan.DeleteCart:
		if _, err := reconciler.carts.DeleteCart(ctx, current.ID, current.Version); err != nil {
			return nil, fmt.Errorf("cart.change_quantities.delete: %w", err)
		}
		reconciler.metrics.Increment(metrics.EventCartDelete)
		reconciler.logger.Debug("cart emptied and deleted",
			zap.String("code", "cart.reconcile.deleted"),
			zap.String("cart_id", current.ID))
		return nil, nil
	case plan.Empty():
		return current, nil
	}

	updated, err := reconciler.carts.UpdateCart(ctx, current.ID, current.Version, plan.Actions())
	if err != nil {
		if errors.Is(err, commerce.ErrVersionConflict) {
			reconciler.logger.Info("cart version conflict",
				zap.String("code", "cart.reconcile.conflict"),
				zap.String("cart_id", current.ID),
				zap.Int64("version", current.Version))
		}
		return nil, fmt.Errorf("cart.change_quantities.update: %w", err)
	}
	reconciler.metrics.Increment(metrics.EventCartUpdate)
	return updated, nil
}

// ActiveCart returns the active cart, or nil when the session has none.
func (reconciler *Reconciler) ActiveCart(ctx context.Context) (*commerce.Cart, error) {
	current, err := reconciler.carts.GetActiveCart(ctx)
	if errors.Is(err, commerce.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cart.active: %w", err)
	}
	return current, nil
}
