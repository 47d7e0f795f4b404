// Package cart reconciles desired line-item quantities with the active cart.
package cart

import "github.com/tyemirov/storefront/internal/commerce"

// DesiredQuantity states the quantity a product variant should end up at; 0 removes it.
type DesiredQuantity struct {
	ProductID    string `json:"productId"`
	VariantID    int    `json:"variantId"`
	NextQuantity int    `json:"nextQuantity"`
}

// Plan is the minimal change set for one reconciliation.
type Plan struct {
	Adds       []commerce.AddLineItem
	Removes    []commerce.RemoveLineItem
	DeleteCart bool
}

// Actions returns adds followed by removes, the order they are submitted in.
func (plan Plan) Actions() []commerce.CartAction {
	actions := make([]commerce.CartAction, 0, len(plan.Adds)+len(plan.Removes))
	for _, add := range plan.Adds {
		actions = append(actions, add)
	}
	for _, remove := range plan.Removes {
		actions = append(actions, remove)
	}
	return actions
}

// Empty reports whether the plan changes nothing.
func (plan Plan) Empty() bool {
	return !plan.DeleteCart && len(plan.Adds) == 0 && len(plan.Removes) == 0
}

type variantKey struct {
	productID string
	variantID int
}

// PlanActions diffs desired against the line items of current. Quantities are
// always expressed as relative adds and removes. When every line item is removed
// and nothing is added the plan deletes the cart instead.
func PlanActions(current *commerce.Cart, desired []DesiredQuantity) Plan {
	lineItems := map[variantKey]commerce.LineItem{}
	var cartLineItemIDs []string
	if current != nil {
		for _, lineItem := range current.LineItems {
			key := variantKey{productID: lineItem.ProductID, variantID: lineItem.Variant.ID}
			if _, exists := lineItems[key]; !exists {
				lineItems[key] = lineItem
			}
			cartLineItemIDs = append(cartLineItemIDs, lineItem.ID)
		}
	}

	var plan Plan
	fullyRemoved := map[string]bool{}
	for _, entry := range desired {
		lineItem, exists := lineItems[variantKey{productID: entry.ProductID, variantID: entry.VariantID}]
		if !exists {
			if entry.NextQuantity > 0 {
				plan.Adds = append(plan.Adds, commerce.AddLineItem{ProductID: entry.ProductID, VariantID: entry.VariantID, Quantity: entry.NextQuantity})
			}
			continue
		}
		diff := entry.NextQuantity - lineItem.Quantity
		switch {
		case diff > 0:
			plan.Adds = append(plan.Adds, commerce.AddLineItem{ProductID: entry.ProductID, VariantID: entry.VariantID, Quantity: diff})
		case diff < 0:
			plan.Removes = append(plan.Removes, commerce.RemoveLineItem{LineItemID: lineItem.ID, Quantity: -diff})
			if entry.NextQuantity <= 0 {
				fullyRemoved[lineItem.ID] = true
			}
		}
	}

	if len(plan.Adds) == 0 && len(cartLineItemIDs) > 0 && coversAll(fullyRemoved, cartLineItemIDs) {
		return Plan{DeleteCart: true}
	}
	return plan
}

func coversAll(removed map[string]bool, lineItemIDs []string) bool {
	for _, lineItemID := range lineItemIDs {
		if !removed[lineItemID] {
			return false
		}
	}
	return true
}

func hasPositive(desired []DesiredQuantity) bool {
	for _, entry := range desired {
		if entry.NextQuantity > 0 {
			return true
		}
	}
	return false
}
