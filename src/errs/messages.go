package errs

import "errors"

// RejectionMessages maps the errors a trader or admin can see to the text shown to them.
// Market data errors are not listed; they never reach a caller.
var RejectionMessages = map[error]string{
	ErrInsufficientBalance:  "Insufficient balance for this operation",
	ErrInvalidPositionState: "Position is not in a state that allows this operation",
	ErrInvalidFundingState:  "Funding request is not in a state that allows this operation",
	ErrInvalidRequest:       "Request is invalid",
	ErrNotFound:             "Requested record was not found",
}

// Message returns the rejection text for err, or a generic message when err is not
// one of the known rejections.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for known, msg := range RejectionMessages {
		if errors.Is(err, known) {
			return msg
		}
	}
	return "Operation failed"
}

// IsRejection reports whether err is a caller-facing rejection rather than an internal failure.
func IsRejection(err error) bool {
	for known := range RejectionMessages {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
