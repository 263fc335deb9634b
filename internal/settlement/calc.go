package settlement

import (
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
)

// Compute derives the full financial breakdown for one completed assignment.
// It is a pure function of (assignment, price snapshot, settings snapshot,
// telemetry, completion time), so retries recompute identical results.
//
// Invariants held by construction:
//
//	customer_amount == fuel_cost + delivery_fee + platform_service_fee + surge_fee
//	platform_profit == customer_amount - fuel_station_payout - worker_payout
func Compute(a models.Assignment, pricePerLitre money.Amount, set models.PlatformSettings, tel models.WorkerTelemetry, at time.Time) models.Settlement {
	fuelCost := money.FromFloat(float64(pricePerLitre) * a.Litres)
	deliveryFee := set.DeliveryFeeBase

	mult := surgeMultiplier(set, tel, at)
	surgeFee := money.Amount(0)
	if mult > 1 {
		surgeFee = money.Scale(fuelCost+deliveryFee, mult-1)
	}

	platformFee := money.Percent(fuelCost+deliveryFee, set.PlatformServiceFeePct)
	customer := fuelCost + deliveryFee + platformFee + surgeFee

	basePay := set.WorkerBasePay
	distancePay := money.FromFloat(tel.DistanceKm * set.WorkerPerKmRate)
	surgeBonus := money.Scale(surgeFee, set.WorkerSurgeShare)
	waitingBonus := money.Min(set.WorkerWaitingBonusCap, money.FromFloat(tel.WaitingMinutes*set.WorkerWaitingPerMinute))
	computed := basePay + distancePay + surgeBonus + waitingBonus + tel.IncentiveBonus - tel.Penalty
	// the minimum guarantee is a floor, it never reduces a larger payout
	workerPayout := money.Max(set.WorkerMinimumGuarantee, computed)

	// stations are paid cost, not margin
	stationPayout := fuelCost
	profit := customer - stationPayout - workerPayout

	return models.Settlement{
		ServiceRequestID: a.ServiceRequestID,
		WorkerID:         a.WorkerID,
		FuelStationID:    a.FuelStationID,

		CustomerAmount:     customer,
		FuelCost:           fuelCost,
		DeliveryFee:        deliveryFee,
		PlatformServiceFee: platformFee,
		SurgeFee:           surgeFee,

		FuelStationPayout: stationPayout,
		WorkerPayout:      workerPayout,
		PlatformProfit:    profit,

		WorkerBasePay:          basePay,
		WorkerDistanceKm:       tel.DistanceKm,
		WorkerDistancePay:      distancePay,
		WorkerSurgeBonus:       surgeBonus,
		WorkerWaitingTimeBonus: waitingBonus,
		WorkerIncentiveBonus:   tel.IncentiveBonus,
		WorkerPenalty:          tel.Penalty,
		WorkerMinimumGuarantee: set.WorkerMinimumGuarantee,

		Status:    models.SettlementCalculated,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// surgeMultiplier is the product of every applicable multiplier, or 1 when
// surge is disabled.
func surgeMultiplier(set models.PlatformSettings, tel models.WorkerTelemetry, at time.Time) float64 {
	if !set.SurgeEnabled {
		return 1
	}
	mult := 1.0
	if inNightWindow(at.Hour(), set.SurgeNightStartHour, set.SurgeNightEndHour) && set.SurgeNightMultiplier > 0 {
		mult *= set.SurgeNightMultiplier
	}
	if tel.Rain && set.SurgeRainMultiplier > 0 {
		mult *= set.SurgeRainMultiplier
	}
	if tel.Emergency && set.SurgeEmergencyMultiplier > 0 {
		mult *= set.SurgeEmergencyMultiplier
	}
	return mult
}

// inNightWindow handles windows that cross midnight, e.g. 22..6.
func inNightWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
