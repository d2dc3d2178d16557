package domain

// StockRecord is the cached view of one catalog item's inventory.
type StockRecord struct {
	ItemID             string
	AuthoritativeStock int
	PendingDelta       int    // sum of unconfirmed reservation deltas
	LastServerSeq      uint64 // authority version of AuthoritativeStock
}

// Effective returns the stock adjusted by locally outstanding reservations.
func (r StockRecord) Effective() int {
	return r.AuthoritativeStock + r.PendingDelta
}

// StockSnapshot is an authoritative stock read returned by the authority.
type StockSnapshot struct {
	ItemID    string
	Stock     int
	UnitPrice Price
	Version   uint64
}
