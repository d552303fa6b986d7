package telemetry

// Empirical average byte volume per output token for the mixed
// natural-language/code streams the supervised agents produce.
const bytesPerToken = 3.5

// EstimateTokens derives a provisional token count from observed content
// byte volume, used only while a cycle has no authoritative UsageResult.
func EstimateTokens(bytesObserved int64) int64 {
	if bytesObserved <= 0 {
		return 0
	}
	return int64(float64(bytesObserved) / bytesPerToken)
}
