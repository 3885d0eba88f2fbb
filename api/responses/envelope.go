package responses

type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the error body. Retryable tells the storefront it may resend
// the same request unchanged.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
