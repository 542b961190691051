package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fullctl/aaactl-sub000/pkg/orgs"
)

// ExpireProducts removes organization product grants whose access ran out.
// When the product names a replacement and the organization still exists
// without already holding it, the replacement is granted. It returns the
// number of grants removed; failures of single grants are joined.
func (e *Engine) ExpireProducts(ctx context.Context) (int, error) {
	now := e.now()
	expired, err := e.store.ListExpiredOrganizationProducts(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, op := range expired {
		if err := e.expire(ctx, op); err != nil {
			errs = append(errs, fmt.Errorf("organization product %d: %w", op.ID, err))
			continue
		}
		removed++
	}

	e.metrics.RecordProductsExpired(removed)
	if removed > 0 {
		e.logger.WithField("count", removed).Info("Expired organization products")
	}
	return removed, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, op *OrganizationProduct) error {
	return e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		product, err := tx.GetProduct(ctx, op.ProductID)
		if err != nil {
			return err
		}
		if err := tx.DeleteOrganizationProduct(ctx, op.ID); err != nil {
			return err
		}
		if product.ReplacementID == nil {
			return nil
		}

		eligible, err := e.replacementEligible(ctx, tx, op.OrgID, *product.ReplacementID)
		if err != nil || !eligible {
			return err
		}
		replacement, err := tx.GetProduct(ctx, *product.ReplacementID)
		if err != nil {
			return err
		}
		_, err = tx.AddOrganizationProduct(ctx, e.organizationProduct(op.OrgID, replacement, nil))
		if err != nil {
			return err
		}
		e.logger.WithFields(map[string]interface{}{
			"org_id":      op.OrgID,
			"product":     product.Name,
			"replacement": replacement.Name,
		}).Info("Granted replacement product")
		return nil
	})
}

func (e *Engine) replacementEligible(ctx context.Context, tx Store, orgID, replacementID int64) (bool, error) {
	if e.dir != nil {
		if _, err := e.dir.GetOrganization(ctx, orgID); err != nil {
			if errors.Is(err, orgs.ErrOrganizationNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	held, err := tx.ListOrganizationProducts(ctx, orgID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		if h.ProductID == replacementID {
			return false, nil
		}
	}
	return true, nil
}
