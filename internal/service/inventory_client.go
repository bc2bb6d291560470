package service

import (
	"context"
	"sort"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// ItemRequest is one cart line as submitted by the customer.
type ItemRequest struct {
	ProductID int64  `json:"product_id" binding:"required,gt=0"`
	Size      string `json:"size" binding:"required,max=16"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// InventoryClient resolves cart lines against the catalog
type InventoryClient struct {
	catalog CatalogStore
	logger  *zap.Logger
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(catalog CatalogStore) *InventoryClient {
	return &InventoryClient{
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// MergeItems folds duplicate (product, size) lines into one and keeps the
// first-seen order.
func MergeItems(items []ItemRequest) []ItemRequest {
	type key struct {
		productID int64
		size      string
	}
	index := make(map[key]int, len(items))
	merged := make([]ItemRequest, 0, len(items))
	for _, item := range items {
		k := key{item.ProductID, item.Size}
		if i, ok := index[k]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[k] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// SnapshotItems reads every variant, checks the requested quantity against
// current stock and freezes the unit price. All short lines are reported
// together; a missing variant fails with NotFound.
func (ic *InventoryClient) SnapshotItems(ctx context.Context, items []ItemRequest) ([]models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.SnapshotItems")
	defer span.End()
	return ic.snapshot(ctx, items, true)
}

// PriceItems prices the lines at current catalog prices without a stock check.
func (ic *InventoryClient) PriceItems(ctx context.Context, items []ItemRequest) ([]models.OrderItem, error) {
	return ic.snapshot(ctx, items, false)
}

func (ic *InventoryClient) snapshot(ctx context.Context, items []ItemRequest, checkStock bool) ([]models.OrderItem, error) {
	snapshot := make([]models.OrderItem, 0, len(items))
	var shortages []apperr.StockShortage
	for _, item := range items {
		variant, err := ic.catalog.GetVariant(ctx, item.ProductID, item.Size)
		if err != nil {
			return nil, err
		}
		if checkStock && item.Quantity > variant.Stock {
			shortages = append(shortages, apperr.StockShortage{
				ProductID: item.ProductID,
				Size:      item.Size,
				Requested: item.Quantity,
				Available: variant.Stock,
			})
			continue
		}
		snapshot = append(snapshot, models.OrderItem{
			ProductID:   variant.ProductID,
			ProductName: variant.ProductName,
			Category:    variant.Category,
			Size:        variant.Size,
			UnitPrice:   variant.Price,
			Quantity:    item.Quantity,
		})
	}

	if len(shortages) > 0 {
		sort.Slice(shortages, func(i, j int) bool { return shortages[i].ProductID < shortages[j].ProductID })
		ic.logger.Info("Insufficient stock at checkout", zap.Int("lines", len(shortages)))
		return nil, apperr.InsufficientStock(shortages)
	}
	return snapshot, nil
}
