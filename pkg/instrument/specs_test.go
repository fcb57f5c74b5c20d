package instrument

import "testing"

func TestLookupResolvesSymbolClasses(t *testing.T) {
	tests := []struct {
		symbol  string
		wantPip float64
	}{
		{"NAS100", 1.0},
		{"nas100_usd", 1.0},
		{"SPX500", 1.0},
		{"XAU_USD", 0.01},
		{"XAUUSD", 0.01},
		{"USD_JPY", 0.01},
		{"EUR_USD", 0.0001},
		{"GBP/USD", 0.0001},
		{"BTCUSD", 1.0},
	}
	for _, tt := range tests {
		spec, err := Lookup(tt.symbol)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.symbol, err)
		}
		if spec.PipSize != tt.wantPip {
			t.Errorf("Lookup(%q).PipSize = %v, want %v", tt.symbol, spec.PipSize, tt.wantPip)
		}
	}
}

func TestLookupEmptySymbol(t *testing.T) {
	if _, err := Lookup(""); err == nil {
		t.Fatal("Lookup(\"\") should fail")
	}
}

func TestRoundLot(t *testing.T) {
	spec := Spec{MinLot: 0.01, MaxLot: 100, LotStep: 0.01}
	tests := []struct {
		in   float64
		want float64
	}{
		{0.404, 0.40},
		{0.406, 0.41},
		{0.005, 0},     // below min lot
		{-1, 0},        // nonsense in, zero out
		{250, 100},     // clamped to max
		{0.01, 0.01},   // exactly min
		{0.0149, 0.01}, // rounds down to min
	}
	for _, tt := range tests {
		if got := spec.RoundLot(tt.in); got != tt.want {
			t.Errorf("RoundLot(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSpreadAcceptable(t *testing.T) {
	spec, err := Lookup("EUR_USD")
	if err != nil {
		t.Fatal(err)
	}
	// 2 pips on EUR_USD, cap is 3.
	if !spec.SpreadAcceptable(1.1000, 1.1002) {
		t.Error("2 pip spread should be acceptable")
	}
	// 5 pips.
	if spec.SpreadAcceptable(1.1000, 1.1005) {
		t.Error("5 pip spread should be rejected")
	}
}

func TestValuePerUnit(t *testing.T) {
	eur, _ := Lookup("EUR_USD")
	if got := eur.ValuePerUnit(); got != 100000 {
		t.Errorf("EUR_USD ValuePerUnit = %v, want 100000", got)
	}
	nas, _ := Lookup("NAS100")
	if got := nas.ValuePerUnit(); got != 1 {
		t.Errorf("NAS100 ValuePerUnit = %v, want 1", got)
	}
}
