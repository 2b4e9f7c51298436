package cart

import (
	"context"
	"fmt"

	"github.com/safar/portal-billing/internal/models"
)

// ResourceLookup answers read-only questions about what a customer already owns.
type ResourceLookup interface {
	HasActiveService(ctx context.Context, ownerID string, category models.ProductCategory) (bool, error)
}

// Rule requires that a cart holding Category also holds, or the owner
// already has, a resource of category Requires.
type Rule struct {
	Category models.ProductCategory
	Requires models.ProductCategory
	Reason   string
}

// DefaultRules: email hosting needs a domain.
var DefaultRules = []Rule{
	{
		Category: models.CategoryEmail,
		Requires: models.CategoryDomain,
		Reason:   "email hosting requires a domain, either already registered with us or in the same cart",
	},
}

type Result struct {
	Valid  bool
	Reason string
}

type Validator struct {
	lookup ResourceLookup
	rules  []Rule
}

func NewValidator(lookup ResourceLookup, rules []Rule) *Validator {
	return &Validator{lookup: lookup, rules: rules}
}

// Validate checks the cart against the configured rules and each line's own
// requirements. It never mutates anything; an error means the lookup failed.
func (v *Validator) Validate(ctx context.Context, ownerID string, snap Snapshot) (Result, error) {
	inCart := make(map[models.ProductCategory]bool, len(snap.items))
	for _, item := range snap.items {
		inCart[item.Category] = true
	}

	type requirement struct {
		category models.ProductCategory
		reason   string
	}
	var needs []requirement
	for _, rule := range v.rules {
		if inCart[rule.Category] {
			needs = append(needs, requirement{category: rule.Requires, reason: rule.Reason})
		}
	}
	for i, item := range snap.items {
		for _, category := range snap.requires[i] {
			needs = append(needs, requirement{
				category: category,
				reason:   fmt.Sprintf("%s requires a %s product", item.Name, category),
			})
		}
	}

	owned := make(map[models.ProductCategory]bool)
	for _, need := range needs {
		if inCart[need.category] {
			continue
		}
		has, checked := owned[need.category]
		if !checked && v.lookup != nil {
			var err error
			has, err = v.lookup.HasActiveService(ctx, ownerID, need.category)
			if err != nil {
				return Result{}, fmt.Errorf("lookup owned %s: %w", need.category, err)
			}
			owned[need.category] = has
		}
		if !has {
			return Result{Valid: false, Reason: need.reason}, nil
		}
	}
	return Result{Valid: true}, nil
}
