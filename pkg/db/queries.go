package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidLimit = errors.New("limit must be positive")
)

const orderColumns = `order_id, user_id, side, price, quantity, status, COALESCE(message_id, ''), created_at, cancelled_at`

// GetOrder returns one order by its engine-assigned ID.
func (d *Database) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// ListOrdersByUser returns a user's most recent orders, newest first.
func (d *Database) ListOrdersByUser(ctx context.Context, userID int64, limit int) ([]Order, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ?
		ORDER BY order_id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListTradesForOrder returns trades where the order was taker or maker,
// oldest first.
func (d *Database) ListTradesForOrder(ctx context.Context, orderID int64) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, taker_order_id, maker_order_id, price, quantity, COALESCE(message_id, ''), created_at
		FROM trades
		WHERE taker_order_id = ? OR maker_order_id = ?
		ORDER BY id
	`, orderID, orderID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.TakerOrderID, &t.MakerOrderID, &t.Price, &t.Quantity, &t.MessageID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o           Order
		cancelledAt sql.NullTime
	)
	if err := s.Scan(&o.OrderID, &o.UserID, &o.Side, &o.Price, &o.Quantity, &o.Status, &o.MessageID, &o.CreatedAt, &cancelledAt); err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		o.CancelledAt = &t
	}
	return &o, nil
}
