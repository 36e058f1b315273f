package pricing

import (
	"math"
	"testing"
)

func TestZoneForBoundaries(t *testing.T) {
	cases := []struct {
		km      float64
		wantFee int
		want    string
	}{
		{0, 50, "A"},
		{3.5, 50, "A"},
		{4.999, 50, "A"},
		{5, 100, "B"},
		{10, 100, "B"},
		{14.999, 100, "B"},
		{15, 220, "C"},
		{25, 220, "C"},
		{500, 220, "C"},
	}
	for _, tc := range cases {
		fee, zone := ZoneFor(tc.km)
		if fee != tc.wantFee || zone != tc.want {
			t.Errorf("ZoneFor(%v) = (%d, %s), want (%d, %s)", tc.km, fee, zone, tc.wantFee, tc.want)
		}
	}
}

func TestHaversine(t *testing.T) {
	if d := Haversine(-15.3875, 28.3228, -15.3875, 28.3228); d != 0 {
		t.Fatalf("identical points should be 0km apart, got %v", d)
	}
	// One degree of latitude is roughly 111.2km.
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("one degree latitude = %vkm, want ~111.19", d)
	}
}

func TestDeliveryFee(t *testing.T) {
	q := DeliveryFee(-15.3875, 28.3228, -15.4200, 28.2800)
	if q.Zone != "A" && q.Zone != "B" {
		t.Fatalf("short hop landed in zone %s (%.2fkm)", q.Zone, q.DistanceKm)
	}
	if q.FormattedFee[0] != 'K' {
		t.Fatalf("formatted fee %q missing currency prefix", q.FormattedFee)
	}
}

func TestCompareRoutes(t *testing.T) {
	// The alternative shop sits on top of the receiver, the original is far.
	cmp := CompareRoutes(-15.0, 28.0, -15.5, 28.5, -15.5, 28.5)
	if cmp.Alternative.Fee > cmp.Original.Fee {
		t.Fatalf("alternative fee %d should not exceed original %d", cmp.Alternative.Fee, cmp.Original.Fee)
	}
	if cmp.DistanceDiffKm >= 0 {
		t.Fatalf("expected negative distance diff, got %v", cmp.DistanceDiffKm)
	}
	if cmp.FeeDiff >= 0 {
		t.Fatalf("expected negative fee diff, got %d", cmp.FeeDiff)
	}
}
