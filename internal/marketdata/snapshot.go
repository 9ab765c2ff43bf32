package marketdata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// snapshotCloses is how many recent closing prices a snapshot carries.
const snapshotCloses = 20

// Snapshot is the per-symbol market view handed to the advisor and the
// risk layers for one cycle. It is immutable once built.
type Snapshot struct {
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	GeneratedAt time.Time `json:"generated_at"`

	LastPrice float64   `json:"last_price"`
	Closes    []float64 `json:"closes"` // most recent last
	Current   *Candle   `json:"current,omitempty"`

	Indicators *Indicators `json:"indicators"`

	OpenInterest   float64   `json:"open_interest"`
	OpenInterestAt time.Time `json:"open_interest_at"`
	FundingRate    float64   `json:"funding_rate"`
	FundingRateAt  time.Time `json:"funding_rate_at"`
	FundingStale   bool      `json:"funding_stale"`

	WarmingUp bool     `json:"warming_up"`
	Warnings  []string `json:"warnings,omitempty"` // data quality notes
}

// Hash returns a stable digest of the snapshot content, recorded with each
// trading decision so the exact inputs can be replayed later.
func (s *Snapshot) Hash() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
