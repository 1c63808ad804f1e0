// Package ratio holds the percentage arithmetic shared by the engines. Values
// are computed in decimal and rounded half away from zero to one place.
package ratio

import "github.com/shopspring/decimal"

const places = 1

var hundred = decimal.NewFromInt(100)

// Percent returns part/whole*100 rounded to one decimal, or 0 when whole is 0.
func Percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return decimal.NewFromInt(part).Mul(hundred).DivRound(decimal.NewFromInt(whole), places).InexactFloat64()
}

// Change returns (current-previous)/previous*100 rounded to one decimal, or 0
// when previous is 0.
func Change(current, previous int64) float64 {
	return Percent(current-previous, previous)
}

// Complement returns 100-pct, exact for one-decimal inputs.
func Complement(pct float64) float64 {
	return hundred.Sub(decimal.NewFromFloat(pct)).Round(places).InexactFloat64()
}

// Of returns pct percent of whole, rounded half away from zero to an integer.
func Of(whole int64, pct float64) int64 {
	return decimal.NewFromInt(whole).Mul(decimal.NewFromFloat(pct)).Div(hundred).Round(0).IntPart()
}

// Round1 rounds x to one decimal place.
func Round1(x float64) float64 {
	return decimal.NewFromFloat(x).Round(places).InexactFloat64()
}

// RoundInt rounds x half away from zero to an integer.
func RoundInt(x float64) int64 {
	return decimal.NewFromFloat(x).Round(0).IntPart()
}
