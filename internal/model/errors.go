package model

// ModelError is one of the three failure kinds the facade reports
type ModelError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *ModelError) Error() string {
	return e.Message
}

// Error kinds. Call sites wrap these with the underlying cause, so match with
// errors.Is.
var (
	ErrInitialization = &ModelError{Type: "initialization_error", Message: "model initialization failed", Code: 2001}
	ErrCompute        = &ModelError{Type: "compute_error", Message: "model computation failed", Code: 2002}
	ErrPersistence    = &ModelError{Type: "persistence_error", Message: "model persistence failed", Code: 2003}
)
