package delivery

// RetryConfig holds the retry policy for queued messages.
type RetryConfig struct {
	// MaxAttempts is the number of delivery attempts a queued message gets
	// across sync passes before it is reported as permanently failed.
	MaxAttempts int

	// RetryFatal keeps retrying errors classified as fatal instead of
	// failing them on the first attempt.
	RetryFatal bool
}

// DefaultRetryConfig returns the default policy: three attempts in total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
	}
}

// exhausted reports whether a message that has failed retryCount times must
// be dropped.
func (c RetryConfig) exhausted(retryCount int) bool {
	return retryCount >= c.MaxAttempts
}
