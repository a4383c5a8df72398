package provider

// FinishReason is the gateway's unified completion outcome. Provider
// finish/stop reasons are mapped onto it, and usage logs record it.
type FinishReason string

const (
	FinishCompleted     FinishReason = "completed"
	FinishLengthLimit   FinishReason = "length_limit"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishClientError   FinishReason = "client_error"
	FinishGatewayError  FinishReason = "gateway_error"
	FinishUpstreamError FinishReason = "upstream_error"
)

// OpenAI returns the finish_reason string used in OpenAI-format
// responses. Error outcomes have no OpenAI equivalent and map to "".
func (f FinishReason) OpenAI() string {
	switch f {
	case FinishCompleted:
		return "stop"
	case FinishLengthLimit:
		return "length"
	case FinishContentFilter:
		return "content_filter"
	case FinishToolCalls:
		return "tool_calls"
	}
	return ""
}

func finishFromOpenAI(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLengthLimit
	case "content_filter":
		return FinishContentFilter
	case "tool_calls", "function_call":
		return FinishToolCalls
	}
	return FinishCompleted
}

func finishFromAnthropic(reason string) FinishReason {
	switch reason {
	case "max_tokens", "model_context_window_exceeded":
		return FinishLengthLimit
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	}
	return FinishCompleted
}

func finishFromGoogle(reason string) FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return FinishLengthLimit
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return FinishContentFilter
	case "MALFORMED_FUNCTION_CALL":
		return FinishUpstreamError
	}
	return FinishCompleted
}
