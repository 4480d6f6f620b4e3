package api

// IssueResponse describes the challenge issued for a page render.
type IssueResponse struct {
	Namespace        string `json:"namespace"`
	FieldName        string `json:"field_name"`
	KeyURL           string `json:"key_url"`
	MinSubmitDelayMS int64  `json:"min_submit_delay_ms"`
}

// SubmitResponse is returned by the demo submit endpoint once a form passes.
type SubmitResponse struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}
