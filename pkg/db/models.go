package db

import (
	"context"
	"database/sql"
	"time"
)

// Order statuses.
const (
	StatusOpen      = "OPEN"
	StatusCancelled = "CANCELLED"
)

// Order is an order the matching engine accepted.
type Order struct {
	OrderID     int64
	UserID      int64
	Side        int32 // wire.Side number
	Price       int64
	Quantity    int64
	Status      string
	MessageID   string
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// Trade is one match between a resting maker order and an incoming taker.
type Trade struct {
	ID           int64
	TakerOrderID int64
	MakerOrderID int64
	Price        int64
	Quantity     int64
	MessageID    string
	CreatedAt    time.Time
}

// InsertOrder stores an accepted order. Redelivered events are ignored;
// inserted reports whether a row was written.
func (d *Database) InsertOrder(ctx context.Context, o Order) (inserted bool, err error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, side, price, quantity, status, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`, o.OrderID, o.UserID, o.Side, o.Price, o.Quantity, StatusOpen, nullString(o.MessageID))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// InsertTrade stores a trade. A trade for the same taker and maker is
// stored once.
func (d *Database) InsertTrade(ctx context.Context, t Trade) (inserted bool, err error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (taker_order_id, maker_order_id, price, quantity, message_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(taker_order_id, maker_order_id) DO NOTHING
	`, t.TakerOrderID, t.MakerOrderID, t.Price, t.Quantity, nullString(t.MessageID))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkOrderCancelled sets an order's status to CANCELLED. Cancelling twice
// is a no-op; an unknown order is ErrNotFound.
func (d *Database) MarkOrderCancelled(ctx context.Context, orderID int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, cancelled_at = CURRENT_TIMESTAMP
		WHERE order_id = ? AND status != ?
	`, StatusCancelled, orderID, StatusCancelled)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil || n {
		return err
	}

	var exists int
	err = d.DB.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE order_id = ?`, orderID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
