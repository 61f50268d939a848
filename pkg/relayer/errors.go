package relayer

import "fmt"

// GrantError is a grant-verification failure with a machine-readable
// code. Codes stay server-side: clients see one opaque rejection.
type GrantError struct {
	Code    string
	Message string
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGrantError creates a new grant error.
func NewGrantError(code, message string) *GrantError {
	return &GrantError{Code: code, Message: message}
}

// Error codes for grant verification
const (
	ErrCodeMalformed        = "GRANT_MALFORMED"
	ErrCodeBadSignature     = "GRANT_BAD_SIGNATURE"
	ErrCodeNotYetValid      = "GRANT_NOT_YET_VALID"
	ErrCodeExpired          = "GRANT_EXPIRED"
	ErrCodeOutOfScope       = "GRANT_OUT_OF_SCOPE"
	ErrCodeHandleNotAllowed = "HANDLE_NOT_ALLOWED"
	ErrCodeDecryptFailed    = "DECRYPT_FAILED"
)
