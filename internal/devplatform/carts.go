package devplatform

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/storefront/internal/commerce"
)

var (
	errCartNotFound        = errors.New("devplatform.cart_not_found")
	errCartVersionConflict = errors.New("devplatform.cart_version_conflict")
	errInvalidCartAction   = errors.New("devplatform.invalid_cart_action")
)

// cartActionInput is the inbound form of a tagged cart update action.
type cartActionInput struct {
	Action     string `json:"action"`
	ProductID  string `json:"productId"`
	VariantID  int    `json:"variantId"`
	LineItemID string `json:"lineItemId"`
	Quantity   int    `json:"quantity"`
}

// cartBook keeps carts in memory, one active cart per owner.
type cartBook struct {
	mutex  sync.Mutex
	carts  map[string]*commerce.Cart
	active map[string]string
}

func newCartBook() *cartBook {
	return &cartBook{
		carts:  make(map[string]*commerce.Cart),
		active: make(map[string]string),
	}
}

func (book *cartBook) Active(owner string) (*commerce.Cart, bool) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	current := book.activeLocked(owner)
	if current == nil {
		return nil, false
	}
	return cloneCart(current), true
}

func (book *cartBook) Create(owner string, grant accessGrant, draft commerce.CartDraft) *commerce.Cart {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	created := &commerce.Cart{
		ID:          uuid.NewString(),
		Version:     1,
		Currency:    draft.Currency,
		Country:     draft.Country,
		CustomerID:  grant.CustomerID,
		AnonymousID: grant.AnonymousID,
		LineItems:   []commerce.LineItem{},
	}
	book.carts[created.ID] = created
	book.active[owner] = created.ID
	return cloneCart(created)
}

func (book *cartBook) Update(owner string, cartID string, version int64, actions []cartActionInput) (*commerce.Cart, error) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	current, err := book.ownedLocked(owner, cartID, version)
	if err != nil {
		return nil, err
	}
	for _, action := range actions {
		if action.Quantity <= 0 {
			return nil, errInvalidCartAction
		}
		switch action.Action {
		case commerce.ActionAddLineItem:
			if action.ProductID == "" {
				return nil, errInvalidCartAction
			}
		case commerce.ActionRemoveLineItem:
			if !hasLineItem(current, action.LineItemID) {
				return nil, errInvalidCartAction
			}
		default:
			return nil, errInvalidCartAction
		}
	}
	for _, action := range actions {
		if action.Action == commerce.ActionAddLineItem {
			addLineItem(current, action.ProductID, action.VariantID, action.Quantity)
		} else {
			removeLineItem(current, action.LineItemID, action.Quantity)
		}
	}
	current.Version++
	return cloneCart(current), nil
}

func (book *cartBook) Delete(owner string, cartID string, version int64) (*commerce.Cart, error) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	current, err := book.ownedLocked(owner, cartID, version)
	if err != nil {
		return nil, err
	}
	delete(book.carts, cartID)
	delete(book.active, owner)
	return cloneCart(current), nil
}

// MergeGuestCart moves the guest's active cart to the customer. When the
// customer already has one, the guest line items are merged into it.
func (book *cartBook) MergeGuestCart(anonymousID string, customerID string) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	guestOwner := "anonymous:" + anonymousID
	customerOwner := "customer:" + customerID
	guest := book.activeLocked(guestOwner)
	if guest == nil {
		return
	}
	delete(book.active, guestOwner)
	existing := book.activeLocked(customerOwner)
	if existing == nil {
		guest.CustomerID = customerID
		guest.Version++
		book.active[customerOwner] = guest.ID
		return
	}
	for _, lineItem := range guest.LineItems {
		addLineItem(existing, lineItem.ProductID, lineItem.Variant.ID, lineItem.Quantity)
	}
	existing.Version++
	delete(book.carts, guest.ID)
}

func (book *cartBook) activeLocked(owner string) *commerce.Cart {
	cartID, found := book.active[owner]
	if !found {
		return nil
	}
	return book.carts[cartID]
}

func (book *cartBook) ownedLocked(owner string, cartID string, version int64) (*commerce.Cart, error) {
	current := book.activeLocked(owner)
	if current == nil || current.ID != cartID {
		return nil, errCartNotFound
	}
	if current.Version != version {
		return nil, errCartVersionConflict
	}
	return current, nil
}

func addLineItem(target *commerce.Cart, productID string, variantID int, quantity int) {
	for index := range target.LineItems {
		lineItem := &target.LineItems[index]
		if lineItem.ProductID == productID && lineItem.Variant.ID == variantID {
			lineItem.Quantity += quantity
			return
		}
	}
	target.LineItems = append(target.LineItems, commerce.LineItem{
		ID:        uuid.NewString(),
		ProductID: productID,
		Variant:   commerce.Variant{ID: variantID},
		Quantity:  quantity,
	})
}

func hasLineItem(target *commerce.Cart, lineItemID string) bool {
	for _, lineItem := range target.LineItems {
		if lineItem.ID == lineItemID {
			return true
		}
	}
	return false
}

func removeLineItem(target *commerce.Cart, lineItemID string, quantity int) {
	for index, lineItem := range target.LineItems {
		if lineItem.ID != lineItemID {
			continue
		}
		if quantity >= lineItem.Quantity {
			target.LineItems = append(target.LineItems[:index], target.LineItems[index+1:]...)
			return
		}
		target.LineItems[index].Quantity -= quantity
		return
	}
}

func cloneCart(source *commerce.Cart) *commerce.Cart {
	clone := *source
	clone.LineItems = append([]commerce.LineItem{}, source.LineItems...)
	return &clone
}
