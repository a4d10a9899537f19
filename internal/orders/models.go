package orders

import "time"

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Inventory is the per-product ledger row. available + reserved only ever
// changes inside the same transaction that mutates the owning order.
type Inventory struct {
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Status     Status    `json:"status"`
	TotalCents int64     `json:"total_cents"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type OrderItem struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	// Unit price captured at order creation; immune to later price changes.
	PriceCents int64 `json:"price_cents"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"quantity"`
}

// ComputeTotal sums price*qty in integer cents. No floats anywhere near money.
func ComputeTotal(items []CartItem, prices map[string]int64) (int64, error) {
	var total int64
	for _, it := range items {
		price, ok := prices[it.ProductID]
		if !ok {
			return 0, &ProductNotFoundError{ProductID: it.ProductID}
		}
		if it.Qty <= 0 {
			return 0, &QuantityError{ProductID: it.ProductID, Qty: it.Qty}
		}
		total += price * int64(it.Qty)
	}
	return total, nil
}
