// Package instrument holds per-instrument contract specifications used for
// position sizing and spread checks. Values reflect the funded-account
// venue's mini-contract specs as observed on the platform.
package instrument

import (
	"errors"
	"strings"
)

// Spec describes how a symbol's prices translate into money.
type Spec struct {
	// PipSize is the price increment that counts as one pip.
	PipSize float64
	// PipValuePerLot is the account-currency value of one pip for one lot.
	PipValuePerLot float64
	MinLot         float64
	MaxLot         float64
	LotStep        float64
	// MaxSpreadPips is the widest spread at which market orders are allowed.
	MaxSpreadPips float64
}

// ValuePerUnit returns the account-currency value of a one-price-unit move
// for one lot (pip value scaled to a full price unit).
func (s Spec) ValuePerUnit() float64 {
	if s.PipSize <= 0 {
		return 0
	}
	return s.PipValuePerLot / s.PipSize
}

// SpreadPips converts a bid/ask pair's spread into pips.
func (s Spec) SpreadPips(bid, ask float64) float64 {
	if s.PipSize <= 0 {
		return 0
	}
	return (ask - bid) / s.PipSize
}

// SpreadAcceptable reports whether a market order may be sent at this spread.
func (s Spec) SpreadAcceptable(bid, ask float64) bool {
	return s.SpreadPips(bid, ask) <= s.MaxSpreadPips
}

// RoundLot snaps a raw lot size to the symbol's lot step and clamps it to
// the venue's [MinLot, MaxLot] range. Returns 0 when the rounded size would
// fall below the minimum tradable amount.
func (s Spec) RoundLot(lots float64) float64 {
	if lots <= 0 {
		return 0
	}
	if s.LotStep > 0 {
		steps := int(lots/s.LotStep + 0.5)
		lots = float64(steps) * s.LotStep
	}
	if lots < s.MinLot {
		return 0
	}
	if lots > s.MaxLot {
		lots = s.MaxLot
	}
	return lots
}

var specs = map[string]Spec{
	// Indices are mini contracts on this venue: $1/point/lot.
	"NAS100": {PipSize: 1.0, PipValuePerLot: 1.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 5.0},
	"SPX500": {PipSize: 1.0, PipValuePerLot: 1.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 3.0},
	"UK100":  {PipSize: 1.0, PipValuePerLot: 1.40, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 5.0},

	"FOREX":     {PipSize: 0.0001, PipValuePerLot: 10.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 3.0},
	"FOREX_JPY": {PipSize: 0.01, PipValuePerLot: 10.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 3.0},

	// XAU quotes move $100/point/lot; with pip size 0.01 that is $1/pip.
	"XAU": {PipSize: 0.01, PipValuePerLot: 1.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 35.0},
	"XAG": {PipSize: 0.001, PipValuePerLot: 5.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 30.0},

	"BTC": {PipSize: 1.0, PipValuePerLot: 1.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 60.0},
	"ETH": {PipSize: 0.01, PipValuePerLot: 1.0, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, MaxSpreadPips: 50.0},
}

// Lookup resolves the contract spec for a symbol, falling back to the
// standard forex spec for anything unrecognized.
func Lookup(symbol string) (Spec, error) {
	if symbol == "" {
		return Spec{}, errors.New("empty symbol")
	}
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "/", "")

	switch {
	case strings.Contains(s, "NAS100") || strings.Contains(s, "NDX"):
		return specs["NAS100"], nil
	case strings.Contains(s, "SPX") || strings.Contains(s, "SP500"):
		return specs["SPX500"], nil
	case strings.Contains(s, "UK100") || strings.Contains(s, "FTSE"):
		return specs["UK100"], nil
	case strings.Contains(s, "XAU"):
		return specs["XAU"], nil
	case strings.Contains(s, "XAG"):
		return specs["XAG"], nil
	case strings.Contains(s, "BTC"):
		return specs["BTC"], nil
	case strings.Contains(s, "ETH"):
		return specs["ETH"], nil
	case strings.Contains(s, "JPY"):
		return specs["FOREX_JPY"], nil
	default:
		return specs["FOREX"], nil
	}
}
