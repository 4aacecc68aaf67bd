package entities

import (
	"fmt"
	"math"
)

// DefaultThreshold is the minimum similarity (0..100) for two fields to match
const DefaultThreshold = 80

// ValidationResult reports how consistently two records describe one identity.
type ValidationResult struct {
	ConsistencyScore float64  `json:"consistency_score"`
	Mismatches       []string `json:"mismatches"`
	IsValid          bool     `json:"is_valid"`
}

// Validator compares identity records across documents.
type Validator struct {
	threshold int
}

// NewValidator creates a validator; a non-positive threshold selects the default.
func NewValidator(threshold int) *Validator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Validator{threshold: threshold}
}

// Validate scores names with TokenSortRatio and addresses with
// TokenSetRatio. The consistency score is their mean, rounded to two
// decimals.
func (v *Validator) Validate(a, b Record) ValidationResult {
	nameScore := TokenSortRatio(a.PersonName, b.PersonName)
	addressScore := TokenSetRatio(a.Address, b.Address)

	mismatches := []string{}
	if nameScore < v.threshold {
		mismatches = append(mismatches,
			fmt.Sprintf("Name mismatch detected: '%s' vs '%s' (%d%%)", a.PersonName, b.PersonName, nameScore))
	}
	if addressScore < v.threshold {
		mismatches = append(mismatches,
			fmt.Sprintf("Address mismatch detected: '%s' vs '%s' (%d%%)", a.Address, b.Address, addressScore))
	}

	score := math.Round(float64(nameScore+addressScore)/2*100) / 100
	return ValidationResult{
		ConsistencyScore: score,
		Mismatches:       mismatches,
		IsValid:          score >= float64(v.threshold),
	}
}
