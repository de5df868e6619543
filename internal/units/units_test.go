package units

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		display  string
		decimals int
		want     string
	}{
		{"one SOL", "1", 9, "1000000000"},
		{"fractional SOL", "0.000000045", 9, "45"},
		{"six decimal mint", "12.5", 6, "12500000"},
		{"rounds half up", "0.0000000005", 9, "1"},
		{"rounds half away from zero negative", "-0.0000000005", 9, "-1"},
		{"rounds down below half", "0.00000000049", 9, "0"},
		{"zero decimals", "42.4", 0, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(d(tt.display), tt.decimals)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("ToBaseUnits(%s, %d) = %s, want %s", tt.display, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestToBaseUnits_NegativeDecimals(t *testing.T) {
	_, err := ToBaseUnits(d("1"), -1)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestToBaseUnitsFloat_NonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := ToBaseUnitsFloat(f, 9); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount for %v, got %v", f, err)
		}
	}
}

func TestToBaseUnitsFloat(t *testing.T) {
	got, err := ToBaseUnitsFloat(0.00000001, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("10")) {
		t.Errorf("expected 10 lamports, got %s", got)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		display  string
		decimals int
	}{
		{"0.00000001", 9},
		{"0.000000001", 9},
		{"1", 9},
		{"123456789.123456789", 9},
		{"98765432109876543210.5", 6},
		{"0.000001", 6},
		{"42", 0},
	}
	for _, tt := range tests {
		base, err := ToBaseUnits(d(tt.display), tt.decimals)
		if err != nil {
			t.Fatalf("ToBaseUnits(%s): %v", tt.display, err)
		}
		back := FromBaseUnits(base, tt.decimals)
		if !back.Equal(d(tt.display)) {
			t.Errorf("round trip %s (decimals %d) -> %s -> %s", tt.display, tt.decimals, base, back)
		}
		again, _ := ToBaseUnits(back, tt.decimals)
		if !again.Equal(base) {
			t.Errorf("base round trip %s -> %s", base, again)
		}
	}
}

func TestParseBaseUnits(t *testing.T) {
	got, err := ParseBaseUnits("1500000")
	if err != nil || !got.Equal(d("1500000")) {
		t.Fatalf("ParseBaseUnits = %s, %v", got, err)
	}
	if _, err := ParseBaseUnits("1.5"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for fractional base units, got %v", err)
	}
	if _, err := ParseBaseUnits("abc"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for garbage, got %v", err)
	}
}

func TestParseFXRate(t *testing.T) {
	got, err := ParseFXRate("150.25")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("150250000")) {
		t.Errorf("expected 150250000, got %s", got)
	}
	if _, err := ParseFXRate("0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero rate, got %v", err)
	}
}

func TestToReporting(t *testing.T) {
	// 1 SOL at 150.25 USD/SOL = 150.25 USD expressed at 1e-9.
	got := ToReporting(d("1000000000"), d("150250000"))
	if !got.Equal(d("150250000000")) {
		t.Errorf("expected 150250000000, got %s", got)
	}
}

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		a, b, c, want string
	}{
		{"2000", "50", "100", "1000"},
		{"1001", "1", "2", "500"},
		{"10", "1", "3", "3"},
		{"-10", "1", "3", "-4"},
		{"123456789012345678901234567890", "987654321", "1000000", "121932631124828532112482853211126"},
	}
	for _, tt := range tests {
		got := MulDivFloor(d(tt.a), d(tt.b), d(tt.c))
		if !got.Equal(d(tt.want)) {
			t.Errorf("MulDivFloor(%s, %s, %s) = %s, want %s", tt.a, tt.b, tt.c, got, tt.want)
		}
	}
}

func TestIsWhole(t *testing.T) {
	if !IsWhole(d("100")) {
		t.Error("100 should be whole")
	}
	if IsWhole(d("100.5")) {
		t.Error("100.5 should not be whole")
	}
}
