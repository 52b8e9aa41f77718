// Package cost computes structured cost breakdowns for geospatial queries.
// All functions are pure - no side effects.
package cost

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/artpar/geometer/domain/geo"
	"github.com/artpar/geometer/domain/tier"
)

// DataType identifies a queryable dataset.
type DataType string

const (
	Potholes DataType = "potholes" // sparse point hazards
	UHI      DataType = "uhi"      // heat-intensity sample grid
	Combined DataType = "combined" // both datasets in one request
)

// ErrUnknownDataType indicates a data type outside the configured set.
var ErrUnknownDataType = errors.New("unknown data type")

// ParseDataType validates a data type name.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case Potholes, UHI, Combined:
		return DataType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
}

// Rates holds the pricing constants that do not vary by tier.
// Densities map each data type to estimated MB per square kilometer;
// these are configuration constants, not derived from live data.
type Rates struct {
	ProcessingRatePerKm2 float64
	StorageRatePerMb     float64
	Densities            map[DataType]float64
}

// DefaultRates returns the built-in pricing constants.
func DefaultRates() Rates {
	return Rates{
		ProcessingRatePerKm2: 0.002,
		StorageRatePerMb:     0.001,
		Densities: map[DataType]float64{
			Potholes: 0.5,
			UHI:      2.0,
			Combined: 3.0,
		},
	}
}

// Density returns the data density for a type.
func (r Rates) Density(dt DataType) (float64, error) {
	d, ok := r.Densities[dt]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDataType, dt)
	}
	return d, nil
}

// Validate checks the rate constants.
func (r Rates) Validate() error {
	if r.ProcessingRatePerKm2 < 0 {
		return fmt.Errorf("processing rate must be non-negative")
	}
	if r.StorageRatePerMb < 0 {
		return fmt.Errorf("storage rate must be non-negative")
	}
	for dt, d := range r.Densities {
		if d < 0 {
			return fmt.Errorf("density for %s must be non-negative", dt)
		}
	}
	return nil
}

// Breakdown is the structured cost of a prospective query (value type).
// TotalCost is always the exact sum of the four components, each rounded
// to 4 decimal places for currency display consistency.
type Breakdown struct {
	BaseCost            float64 `json:"baseCost"`
	DataVolumeCost      float64 `json:"dataVolumeCost"`
	ProcessingCost      float64 `json:"processingCost"`
	StorageCost         float64 `json:"storageCost"`
	TotalCost           float64 `json:"totalCost"`
	Currency            string  `json:"currency"`
	EstimatedDataSizeMb float64 `json:"estimatedDataSizeMb"`
	CoverageAreaKm2     float64 `json:"coverageAreaKm2,omitempty"`
	PathLengthKm        float64 `json:"pathLengthKm,omitempty"`
}

// EstimateRegion computes the cost breakdown for a circular region query.
func EstimateRegion(r geo.Region, dt DataType, tc tier.Config, rates Rates) (Breakdown, error) {
	if err := r.Validate(); err != nil {
		return Breakdown{}, err
	}
	b, err := estimate(r.AreaKm2(), dt, tc, rates)
	if err != nil {
		return Breakdown{}, err
	}
	b.CoverageAreaKm2 = r.AreaKm2()
	return b, nil
}

// EstimatePath computes the cost breakdown for a buffered path query.
// The coverage measure is pathLengthKm x (2 x bufferMeters / 1000).
func EstimatePath(p geo.Path, dt DataType, tc tier.Config, rates Rates) (Breakdown, error) {
	if err := p.Validate(); err != nil {
		return Breakdown{}, err
	}
	b, err := estimate(p.CoverageKm2(), dt, tc, rates)
	if err != nil {
		return Breakdown{}, err
	}
	b.PathLengthKm = p.LengthKm()
	return b, nil
}

// estimate computes the breakdown for a coverage measure in km².
// Every component is non-decreasing in coverage for a fixed tier and data
// type, which makes the total monotonic as well.
func estimate(coverageKm2 float64, dt DataType, tc tier.Config, rates Rates) (Breakdown, error) {
	density, err := rates.Density(dt)
	if err != nil {
		return Breakdown{}, err
	}

	sizeMb := coverageKm2 * density

	base := Round4(tc.BaseCostPerRequest)
	volume := Round4(sizeMb * tc.EffectivePerMbCost())
	processing := Round4(coverageKm2 * rates.ProcessingRatePerKm2)
	storage := Round4(sizeMb * rates.StorageRatePerMb)

	return Breakdown{
		BaseCost:            base,
		DataVolumeCost:      volume,
		ProcessingCost:      processing,
		StorageCost:         storage,
		TotalCost:           Round4(base + volume + processing + storage),
		Currency:            "USD",
		EstimatedDataSizeMb: sizeMb,
	}, nil
}

// Round4 rounds a currency amount to 4 decimal places.
func Round4(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}

// Round2 rounds a currency amount to 2 decimal places (display totals).
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
