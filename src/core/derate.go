package main

import "time"

// Derate maps identity age to a multiplier in [0, 1].
// It rises linearly to 1 at AgeMaturityDays and stays there.
func Derate(identity Identity, now time.Time, params ParameterSet) float64 {
	if params.AgeMaturityDays <= 0 {
		return 1
	}
	days := identity.Age(now).Hours() / 24
	return clamp(days/params.AgeMaturityDays, 0, 1)
}

// EffectiveTrust applies the age derate of the subject to a base trust value
func EffectiveTrust(base float64, subject Identity, now time.Time, params ParameterSet) float64 {
	if base == 0 {
		return 0
	}
	return base * Derate(subject, now, params)
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
