package processor

import "depthflow/models"

// Transform converts one order entry into its price-per-unit record. Entries
// with zero quantity are removed price levels and yield no record.
func Transform(entry models.OrderEntry, side models.Side, symbol string) (models.NormalizedRecord, bool) {
	if entry.Quantity.IsZero() {
		return models.NormalizedRecord{}, false
	}
	return models.NormalizedRecord{
		PricePerUnit: entry.Price.Div(entry.Quantity),
		Side:         side,
		Symbol:       symbol,
	}, true
}
