package push

import "time"

// Backoff returns the wait required before retry attempt n+1 for a record
// that has failed n times: exponential, doubling per attempt from base.
// n <= 0 means no failures yet and no wait.
func Backoff(n int, base time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return base << (n - 1)
}
