// Package billing holds the money types shared by the conference and
// payment aggregates.
package billing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// Amount is a money amount in minor units (cents). It encodes as a JSON
// number with two decimals, so 12.5 and "12.50" both decode to 1250.
type Amount int64

// FromFloat converts a decimal amount, rounding to the nearest cent.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * 100))
}

// Float returns the amount in major units.
func (a Amount) Float() float64 {
	return float64(a) / 100
}

// String formats the amount with two decimals.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("billing: invalid amount %q", s)
	}
	*a = FromFloat(f)
	return nil
}

// NormalizeCurrency upper-cases code and checks it is an ISO 4217 currency.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("billing: currency %q must be a 3-letter code", code)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("billing: unknown currency %q", code)
	}
	return unit.String(), nil
}

// RateInformation prices a session by its duration.
type RateInformation struct {
	RatePerMinute           Amount     `json:"ratePerMinute"`
	MinimumCharge           Amount     `json:"minimumCharge"`
	MinimumMinutes          int        `json:"minimumMinutes"`
	BillingIncrementMinutes int        `json:"billingIncrementMinutes"`
	EffectiveDate           time.Time  `json:"effectiveDate"`
	ExpirationDate          *time.Time `json:"expirationDate,omitempty"`
	IsActive                bool       `json:"isActive"`
}

// CalculateCost prices the session from start to end. Started minutes count
// in full. The duration is raised to MinimumMinutes, then rounded up to whole
// billing increments. The cost never drops below MinimumCharge.
func (r RateInformation) CalculateCost(start, end time.Time) Amount {
	minutes := int64(math.Ceil(end.Sub(start).Minutes()))
	if minutes < 0 {
		minutes = 0
	}
	if minutes < int64(r.MinimumMinutes) {
		minutes = int64(r.MinimumMinutes)
	}

	increment := int64(r.BillingIncrementMinutes)
	if increment <= 0 {
		increment = 1
	}
	billable := (minutes + increment - 1) / increment * increment

	cost := Amount(billable) * r.RatePerMinute
	if cost < r.MinimumCharge {
		cost = r.MinimumCharge
	}
	return cost
}

// Validate reports the first inconsistent field.
func (r RateInformation) Validate() error {
	switch {
	case r.RatePerMinute < 0:
		return errors.New("ratePerMinute must not be negative")
	case r.MinimumCharge < 0:
		return errors.New("minimumCharge must not be negative")
	case r.MinimumMinutes < 0:
		return errors.New("minimumMinutes must not be negative")
	case r.BillingIncrementMinutes < 0:
		return errors.New("billingIncrementMinutes must not be negative")
	case r.ExpirationDate != nil && !r.EffectiveDate.IsZero() && r.ExpirationDate.Before(r.EffectiveDate):
		return errors.New("expirationDate must not be before effectiveDate")
	}
	return nil
}
