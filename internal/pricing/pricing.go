package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// AverageSpeedKmh is the speed assumed when estimating ride duration.
const AverageSpeedKmh = 30.0

// Bounds accepted from a FactorSource; anything outside is discarded.
const (
	MinFactor = 0.8
	MaxFactor = 2.0
)

// DefaultFactorTimeout bounds Factor calls when the Calculator has no Timeout.
const DefaultFactorTimeout = 2 * time.Second

// Rate is the tariff of a vehicle class, in the currency's smallest unit.
type Rate struct {
	BaseFare    int64 `yaml:"base_fare" json:"baseFare"`
	PerKm       int64 `yaml:"per_km" json:"perKm"`
	PerMinute   int64 `yaml:"per_minute" json:"perMinute"`
	MinimumFare int64 `yaml:"minimum_fare" json:"minimumFare"`
}

type Table map[models.VehicleClass]Rate

// DefaultTable returns the CDF tariffs used when no table file is configured.
func DefaultTable() Table {
	return Table{
		models.VehicleStandard: {BaseFare: 5000, PerKm: 1000, PerMinute: 100, MinimumFare: 5000},
		models.VehiclePremium:  {BaseFare: 8000, PerKm: 1500, PerMinute: 150, MinimumFare: 8000},
		models.VehicleSUV:      {BaseFare: 10000, PerKm: 2000, PerMinute: 200, MinimumFare: 10000},
		models.VehicleMoto:     {BaseFare: 3000, PerKm: 800, PerMinute: 80, MinimumFare: 3000},
	}
}

// FactorInput is the context handed to a dynamic pricing collaborator.
type FactorInput struct {
	DistanceKm float64             `json:"distanceKm"`
	Vehicle    models.VehicleClass `json:"vehicleClass"`
	Hour       int                 `json:"hour"`
	Weekend    bool                `json:"weekend"`
}

// FactorSource supplies a best-effort dynamic pricing multiplier.
type FactorSource interface {
	PriceFactor(ctx context.Context, in FactorInput) (float64, error)
}

type Quote struct {
	Vehicle          models.VehicleClass `json:"vehicleClass"`
	DistanceKm       float64             `json:"distanceKm"`
	EstimatedMinutes int                 `json:"estimatedMinutes"`
	TimeMultiplier   float64             `json:"timeMultiplier"`
	BasePrice        int64               `json:"basePrice"`
	Factor           float64             `json:"factor"`
	Price            int64               `json:"price"`
}

type Calculator struct {
	Rates    Table
	Factor   FactorSource   // optional
	Timeout  time.Duration  // bound on Factor calls
	Location *time.Location // zone the time-of-day multiplier is evaluated in
	Logger   *slog.Logger
}

func NewCalculator(rates Table, factor FactorSource, timeout time.Duration, loc *time.Location, logger *slog.Logger) *Calculator {
	if rates == nil {
		rates = DefaultTable()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{Rates: rates, Factor: factor, Timeout: timeout, Location: loc, Logger: logger}
}

// EstimatedMinutes converts a distance into whole minutes at AverageSpeedKmh.
func EstimatedMinutes(distanceKm float64) int {
	return int(math.Round(distanceKm / AverageSpeedKmh * 60))
}

// TimeMultiplier returns the peak/night multiplier for the wall clock hour of t.
func TimeMultiplier(t time.Time) float64 {
	h := t.Hour()
	switch {
	case h >= 7 && h < 9:
		return 1.2
	case h >= 17 && h < 19:
		return 1.3
	case h >= 22 || h < 5:
		return 1.5
	}
	return 1.0
}

// Estimate prices a ride of distanceKm in class at time at. It only fails on
// invalid input; collaborator failures fall back to the tariff price.
func (c *Calculator) Estimate(ctx context.Context, distanceKm float64, class models.VehicleClass, at time.Time) (Quote, error) {
	rate, ok := c.Rates[class]
	if !ok {
		return Quote{}, fmt.Errorf("%w: unknown vehicle class %q", apperrors.ErrValidation, class)
	}
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Quote{}, fmt.Errorf("%w: invalid distance %v", apperrors.ErrValidation, distanceKm)
	}
	local := at.In(c.Location)
	minutes := EstimatedMinutes(distanceKm)
	mult := TimeMultiplier(local)

	raw := float64(rate.BaseFare) + float64(rate.PerKm)*distanceKm + float64(rate.PerMinute)*float64(minutes)
	base := int64(math.Round(raw * mult))

	q := Quote{
		Vehicle:          class,
		DistanceKm:       distanceKm,
		EstimatedMinutes: minutes,
		TimeMultiplier:   mult,
		BasePrice:        base,
		Factor:           1.0,
		Price:            base,
	}
	if f, ok := c.dynamicFactor(ctx, FactorInput{
		DistanceKm: distanceKm,
		Vehicle:    class,
		Hour:       local.Hour(),
		Weekend:    local.Weekday() == time.Saturday || local.Weekday() == time.Sunday,
	}); ok {
		q.Factor = f
		q.Price = int64(math.Round(float64(base) * f))
	}
	if q.Price < rate.MinimumFare {
		q.Price = rate.MinimumFare
	}
	return q, nil
}

func (c *Calculator) dynamicFactor(ctx context.Context, in FactorInput) (float64, bool) {
	if c.Factor == nil {
		return 0, false
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultFactorTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The source may ignore fctx; a late answer is dropped, never applied.
	type result struct {
		f   float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := c.Factor.PriceFactor(fctx, in)
		done <- result{f, err}
	}()
	var res result
	select {
	case res = <-done:
	case <-fctx.Done():
		res.err = fctx.Err()
	}

	f, err := res.f, res.err
	if err == nil && (math.IsNaN(f) || f < MinFactor || f > MaxFactor) {
		err = fmt.Errorf("factor %v outside [%v, %v]", f, MinFactor, MaxFactor)
	}
	if err != nil {
		observability.CollaboratorFallbacks.WithLabelValues("pricing").Inc()
		c.Logger.Warn("dynamic pricing skipped",
			"error", fmt.Errorf("%w: %v", apperrors.ErrExternalDegraded, err),
			"vehicle_class", in.Vehicle)
		return 0, false
	}
	return f, true
}
