package routing

// Attempt records one upstream try. A request appends one Attempt per try
// and never edits earlier ones.
type Attempt struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	StatusCode int    `json:"status_code"`
	ErrorType  string `json:"error_type,omitempty"`
	Succeeded  bool   `json:"succeeded"`
	DurationMs int64  `json:"duration_ms"`
}

// Failed builds the record of a failed attempt.
func Failed(provider, model string, statusCode int, durationMs int64) Attempt {
	return Attempt{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		ErrorType:  ErrorType(statusCode),
		DurationMs: durationMs,
	}
}

// Succeeded builds the record of a successful attempt.
func Succeeded(provider, model string, statusCode int, durationMs int64) Attempt {
	return Attempt{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Succeeded:  true,
		DurationMs: durationMs,
	}
}
