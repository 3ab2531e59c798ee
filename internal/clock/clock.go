package clock

import "time"

// Clock supplies the current time as unix seconds. The scheduler reads
// time exclusively through this interface so that backoff and expiry
// windows can be tested without sleeping.
type Clock interface {
	Now() int64
}

type systemClock struct{}

func (systemClock) Now() int64 {
	return time.Now().UTC().Unix()
}

// System returns a Clock backed by the wall clock.
func System() Clock {
	return systemClock{}
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	Current int64
}

func (f *Fake) Now() int64 {
	return f.Current
}

// Advance moves the fake clock forward by d seconds.
func (f *Fake) Advance(d int64) {
	f.Current += d
}
