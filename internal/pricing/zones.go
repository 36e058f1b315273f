package pricing

import (
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// Zone is a delivery fee band keyed on straight-line distance. Bands are
// half open: MinKm <= d < MaxKm.
type Zone struct {
	Name        string
	MinKm       float64
	MaxKm       float64
	FeeBase     int
	Description string
}

var deliveryZones = []Zone{
	{Name: "A", MinKm: 0, MaxKm: 5, FeeBase: 50, Description: "Local (0-5km)"},
	{Name: "B", MinKm: 5, MaxKm: 15, FeeBase: 100, Description: "Near (5-15km)"},
	{Name: "C", MinKm: 15, MaxKm: math.Inf(1), FeeBase: 220, Description: "Extended (15km+)"},
}

// Haversine returns the great-circle distance in kilometers between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	lat1, lon1, lat2, lon2 = rad(lat1), rad(lon1), rad(lat2), rad(lon2)

	dlat := lat2 - lat1
	dlon := lon2 - lon1
	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(a))
}

// ZoneFor returns the fee and zone name for a distance. Distances past the
// last band land in the extended zone.
func ZoneFor(km float64) (int, string) {
	for _, z := range deliveryZones {
		if z.MinKm <= km && km < z.MaxKm {
			return z.FeeBase, z.Name
		}
	}
	last := deliveryZones[len(deliveryZones)-1]
	return last.FeeBase, last.Name
}

// DeliveryQuote prices the rider leg between a shop and a receiver.
type DeliveryQuote struct {
	DistanceKm      float64 `json:"distance_km"`
	Zone            string  `json:"zone"`
	Fee             int     `json:"fee"`
	FormattedFee    string  `json:"formatted_fee"`
	ZoneDescription string  `json:"zone_description"`
}

// DeliveryFee computes the zone-priced delivery fee for one route.
func DeliveryFee(shopLat, shopLon, receiverLat, receiverLon float64) DeliveryQuote {
	km := Haversine(shopLat, shopLon, receiverLat, receiverLon)
	fee, zone := ZoneFor(km)

	desc := ""
	for _, z := range deliveryZones {
		if z.Name == zone {
			desc = z.Description
			break
		}
	}
	return DeliveryQuote{
		DistanceKm:      math.Round(km*100) / 100,
		Zone:            zone,
		Fee:             fee,
		FormattedFee:    fmt.Sprintf("K%d", fee),
		ZoneDescription: desc,
	}
}

// RouteComparison weighs an alternative shop against the original for the
// same receiver.
type RouteComparison struct {
	Original        DeliveryQuote `json:"original_route"`
	Alternative     DeliveryQuote `json:"alternative_route"`
	DistanceDiffKm  float64       `json:"distance_diff_km"`
	FeeDiff         int           `json:"fee_diff"`
	FormattedKmDiff string        `json:"formatted_distance_diff"`
	FormattedFee    string        `json:"formatted_fee_diff"`
}

// CompareRoutes prices both shop options against the same receiver so the
// sender can pick the cheaper pickup.
func CompareRoutes(origLat, origLon, altLat, altLon, receiverLat, receiverLon float64) RouteComparison {
	orig := DeliveryFee(origLat, origLon, receiverLat, receiverLon)
	alt := DeliveryFee(altLat, altLon, receiverLat, receiverLon)

	kmDiff := math.Round((alt.DistanceKm-orig.DistanceKm)*100) / 100
	feeDiff := alt.Fee - orig.Fee

	kmSign := ""
	if kmDiff >= 0 {
		kmSign = "+"
	}
	feeStr := "K0"
	if feeDiff != 0 {
		feeSign := ""
		if feeDiff > 0 {
			feeSign = "+"
		}
		feeStr = fmt.Sprintf("K%s%d", feeSign, feeDiff)
	}
	return RouteComparison{
		Original:        orig,
		Alternative:     alt,
		DistanceDiffKm:  kmDiff,
		FeeDiff:         feeDiff,
		FormattedKmDiff: fmt.Sprintf("%s%.1fkm", kmSign, kmDiff),
		FormattedFee:    feeStr,
	}
}
