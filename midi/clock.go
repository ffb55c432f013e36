package midi

import "time"

var epoch = time.Now()

// Now returns the engine clock in seconds: monotonic, process-relative.
// All message timestamps and sequence times share this clock.
func Now() float64 {
	return time.Since(epoch).Seconds()
}

// Sleep blocks for d seconds.
func Sleep(d float64) {
	if d > 0 {
		time.Sleep(time.Duration(d * float64(time.Second)))
	}
}

// SleepUntil blocks until the engine clock reaches t.
func SleepUntil(t float64) {
	Sleep(t - Now())
}
