package schema

import "time"

// ReconTier names one of the reconciliation polling cadences.
type ReconTier string

const (
	// ReconTierShort is the tight polling loop covering the recent window.
	ReconTierShort ReconTier = "short"
	// ReconTierHourly covers the medium lookback window.
	ReconTierHourly ReconTier = "hourly"
	// ReconTierLong covers the deep historical window.
	ReconTierLong ReconTier = "long"
)

// ReconTiers lists every polling tier in cadence order.
func ReconTiers() []ReconTier {
	return []ReconTier{ReconTierShort, ReconTierHourly, ReconTierLong}
}

// ReconWindow holds the polling interval and lookback for one tier.
type ReconWindow struct {
	Interval time.Duration `json:"interval"`
	Lookback time.Duration `json:"lookback"`
}

// ReconPolicy maps each tier to its polling window. Zero-valued windows fall
// back to the gateway-wide defaults from configuration.
type ReconPolicy map[ReconTier]ReconWindow

// Window returns the tier window, falling back to def when unset.
func (p ReconPolicy) Window(tier ReconTier, def ReconWindow) ReconWindow {
	if p == nil {
		return def
	}
	w, ok := p[tier]
	if !ok || w.Interval <= 0 || w.Lookback <= 0 {
		return def
	}
	return w
}

// Account models one exchange identity managed by the gateway.
type Account struct {
	ID                int64          `json:"id"`
	ExchangeAccount   string         `json:"exchangeAccount"`
	Testnet           bool           `json:"testnet"`
	PositionMode      PositionMode   `json:"positionMode"`
	ReconPolicy       ReconPolicy    `json:"reconPolicy,omitempty"`
	WorkerHint        int            `json:"workerHint"`
	RawStorageMode    RawStorageMode `json:"rawStorageMode"`
	AllowNewPositions bool           `json:"allowNewPositions"`
	Active            bool           `json:"active"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}
