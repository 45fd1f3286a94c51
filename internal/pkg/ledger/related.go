package ledger

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/TokenFox/app/models"
)

type relatedResolver func(ctx context.Context, repo Repository, id uint) (interface{}, error)

// relatedResolvers maps each RelatedKind to the loader of its entity.
var relatedResolvers = map[models.RelatedKind]relatedResolver{
	models.RelatedKindPlan: func(ctx context.Context, repo Repository, id uint) (interface{}, error) {
		return repo.GetPlan(ctx, id)
	},
	models.RelatedKindCostEstimate: func(ctx context.Context, repo Repository, id uint) (interface{}, error) {
		return repo.GetEstimate(ctx, id)
	},
}

// RelatedOf returns the tagged reference stored on txn.
func RelatedOf(txn *models.TokenTransaction) Related {
	if txn.RelatedID == nil {
		return Related{}
	}
	return Related{Kind: txn.RelatedKind, ID: *txn.RelatedID}
}

// ResolveRelated loads the entity a ledger entry points at. It returns
// (nil, nil) for entries without a reference.
func ResolveRelated(ctx context.Context, repo Repository, txn *models.TokenTransaction) (interface{}, error) {
	ref := RelatedOf(txn)
	if ref.IsZero() {
		return nil, nil
	}
	resolve, ok := relatedResolvers[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRelatedKind, ref.Kind)
	}
	return resolve(ctx, repo, ref.ID)
}
