// Package tip computes restaurant tips.
package tip

import (
	"errors"
	"math"
)

// DefaultRate is the preselected tip percentage.
const DefaultRate = 18.0

var ErrInvalidInput = errors.New("bill and rate must be non-negative numbers")

// Result is a computed tip.
type Result struct {
	Bill  float64 `json:"bill"`
	Rate  float64 `json:"rate"`
	Tip   float64 `json:"tip"`
	Total float64 `json:"total"`
}

// Calculate returns the tip for bill at ratePct percent. Tip and total are rounded to cents.
func Calculate(bill, ratePct float64) (Result, error) {
	if math.IsNaN(bill) || math.IsNaN(ratePct) || math.IsInf(bill, 0) || math.IsInf(ratePct, 0) || bill < 0 || ratePct < 0 {
		return Result{}, ErrInvalidInput
	}
	t := math.Round(bill*ratePct) / 100
	return Result{Bill: bill, Rate: ratePct, Tip: t, Total: math.Round((bill+t)*100) / 100}, nil
}
