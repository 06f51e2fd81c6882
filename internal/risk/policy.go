package risk

// Policy bounds trading activity for a (user, venue) pair. A zero value for
// either limit means "unlimited" for that dimension, matching the
// monthly-quota convention used on domain.User.
type Policy struct {
	MaxTradesPerWeek   int
	MaxLossPerWeekUSD  float64
}
