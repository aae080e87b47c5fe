// README: Common identifier types shared across modules.
package types

// ID identifies an order, user, or delivery batch.
type ID string

func (id ID) String() string { return string(id) }
