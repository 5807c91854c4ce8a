package remote

import "errors"

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a permanent remote refusal.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// RejectionReason extracts the remote reason, or an empty string.
func RejectionReason(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
