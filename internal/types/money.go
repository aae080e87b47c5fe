// README: Money value object for order totals.
package types

// Money is an integer amount in the currency's minor unit (centavos for BRL).
type Money struct {
	Amount   int64
	Currency string
}

// BRL wraps a centavo amount in the restaurant's billing currency.
func BRL(amount int64) Money {
	return Money{Amount: amount, Currency: "BRL"}
}
