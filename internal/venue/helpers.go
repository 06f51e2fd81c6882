package venue

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/aristath/sentinel/internal/domain"
)

// asFloat coerces a JSON-decoded value (float64, json.Number-as-string, or
// nil) into a float64, defaulting to 0 for anything unexpected.
func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}

// roundStep rounds quantity down to the nearest multiple of step, matching
// the venue's lot-size convention. A zero result after rounding is the
// caller's signal to fail the order with TooSmall.
func roundStep(quantity, step float64) float64 {
	if step <= 0 {
		return floats.Round(quantity, 8)
	}
	steps := math.Floor(quantity/step + 1e-9)
	return floats.Round(steps*step, 8)
}

// roundStepOrTooSmall rounds quantity down to the venue's lot size and
// returns domain.ErrTooSmall when the result is zero, so a sub-minimum
// order is rejected rather than sent to the venue with a zero quantity.
func roundStepOrTooSmall(quantity, step float64) (float64, error) {
	rounded := roundStep(quantity, step)
	if rounded == 0 {
		return 0, domain.NewError(domain.ErrTooSmall, "position size rounds to zero at the venue's lot size",
			"requestedQuantity", quantity, "lotStep", step)
	}
	return rounded, nil
}

// ackFromResponse builds an OrderAck from the common subset of fields most
// venue JSON responses share. Every adapter in this package passes its
// decoded response to it unchanged, so a field a venue names differently is
// not picked up.
func ackFromResponse(resp map[string]any) *OrderAck {
	status := OrderWorking
	switch fmt.Sprint(resp["status"]) {
	case "filled", "FILLED", "Filled":
		status = OrderFilled
	case "partially_filled", "PARTIALLY_FILLED":
		status = OrderPartiallyFilled
	case "rejected", "REJECTED", "Rejected":
		status = OrderRejected
	}
	return &OrderAck{
		VenueOrderID: fmt.Sprint(resp["orderId"]),
		FillPrice:    asFloat(resp["fillPrice"]),
		FillQuantity: asFloat(resp["fillQuantity"]),
		Status:       status,
	}
}

// classifyRejection maps a venue's structured rejection reason onto the
// ErrorKind sub-taxonomy the dispatcher understands.
func classifyRejection(reason string) domain.ErrorKind {
	switch reason {
	case "insufficient_funds", "insufficient_margin":
		return domain.ErrInsufficientFunds
	case "market_closed":
		return domain.ErrMarketClosed
	case "unknown_symbol":
		return domain.ErrUnknownSymbol
	default:
		return domain.ErrVenueRejected
	}
}
