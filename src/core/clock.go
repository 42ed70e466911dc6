package main

import "time"

// Clock is the time source for age, decay and expiry computations
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}
