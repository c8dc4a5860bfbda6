package domain

import "testing"

func TestCostUnitsConversion(t *testing.T) {
	tests := []struct {
		name  string
		usd   float64
		units CostUnits
	}{
		{"one dollar", 1.0, 10000},
		{"smallest unit", 0.0001, 1},
		{"sub-unit truncates", 0.00005, 0},
		{"typical request cost", 0.0375, 375},
		{"lifetime grant", 25.0, 250000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnitsFromDollars(tt.usd); got != tt.units {
				t.Errorf("UnitsFromDollars(%v) = %d, want %d", tt.usd, got, tt.units)
			}
		})
	}

	if got := CostUnits(375).Dollars(); got != 0.0375 {
		t.Errorf("Dollars() = %v, want 0.0375", got)
	}
}

func TestHealthString(t *testing.T) {
	tests := []struct {
		health Health
		want   string
	}{
		{HealthHealthy, "healthy"},
		{HealthDegraded, "degraded"},
		{HealthDown, "down"},
		{Health(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.health.String(); got != tt.want {
			t.Errorf("Health(%d).String() = %q, want %q", tt.health, got, tt.want)
		}
	}
}
