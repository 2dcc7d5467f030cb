package postgres

import (
	"context"
	"database/sql"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if len(po.Items) == 0 {
		return nil, domain.NewValidationError("items", "purchase order needs at least one item")
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_orders (id, store_id, supplier_name, status, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, po.ID, po.StoreID, po.SupplierName, po.Status, po.CreatedAt); err != nil {
			return err
		}
		for i, item := range po.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO purchase_order_items (purchase_order_id, line_no, product_id, quantity, cost_cents)
				VALUES ($1,$2,$3,$4,$5)
			`, po.ID, i+1, item.ProductID, item.Quantity, item.CostCents); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &po, nil
}

const purchaseOrderColumns = `id, store_id, supplier_name, status, received_at, received_by, created_at, updated_at`

func scanPurchaseOrder(row rowScanner) (domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var receivedAt, updatedAt sql.NullTime
	if err := row.Scan(&po.ID, &po.StoreID, &po.SupplierName, &po.Status, &receivedAt, &po.ReceivedBy, &po.CreatedAt, &updatedAt); err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.CreatedAt = po.CreatedAt.UTC()
	po.ReceivedAt = timePtr(receivedAt)
	po.UpdatedAt = timePtr(updatedAt)
	return po, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	po, err := scanPurchaseOrder(s.db.QueryRowContext(ctx, `SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE id = $1`, purchaseOrderID))
	if err != nil {
		return nil, mapError(err)
	}
	if po.Items, err = purchaseOrderItems(ctx, s.db, po.ID); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status domain.PurchaseOrderStatus, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseOrderColumns+`
		FROM purchase_orders
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.PurchaseOrder, 0, limit)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range orders {
		if orders[i].Items, err = purchaseOrderItems(ctx, s.db, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func purchaseOrderItems(ctx context.Context, q queryer, purchaseOrderID string) ([]domain.PurchaseOrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, cost_cents
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY line_no
	`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PurchaseOrderItem, 0, 8)
	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.CostCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, receivedBy string, at time.Time, stock []store.StockAppend, audit domain.AuditLog) (*domain.PurchaseOrder, error) {
	at = at.UTC()
	var received domain.PurchaseOrder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status domain.PurchaseOrderStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
		`, purchaseOrderID).Scan(&status); err != nil {
			return err
		}
		if status != domain.PurchaseOrderPending {
			return domain.NewValidationError("status", "purchase order already received")
		}

		if err := appendStock(ctx, tx, stock); err != nil {
			return err
		}

		po, err := scanPurchaseOrder(tx.QueryRowContext(ctx, `
			UPDATE purchase_orders
			SET status = $2, received_at = $3, received_by = $4, updated_at = $3
			WHERE id = $1
			RETURNING `+purchaseOrderColumns,
			purchaseOrderID, domain.PurchaseOrderReceived, at, receivedBy))
		if err != nil {
			return err
		}
		if po.Items, err = purchaseOrderItems(ctx, tx, po.ID); err != nil {
			return err
		}
		received = po
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return &received, nil
}
