package utils

// EstimateTokens returns a rough token count for text (1 token ≈ 4 characters).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
