package guidesync

// wire-level error codes delivered by the store. These are mapped to a
// closed `ErrorClass` at the boundary so that no string comparison leaks
// into the controller.
type StoreErrorCode string

const (
	StoreErrorCancelled          StoreErrorCode = "cancelled"
	StoreErrorUnavailable        StoreErrorCode = "unavailable"
	StoreErrorDeadlineExceeded   StoreErrorCode = "deadline-exceeded"
	StoreErrorResourceExhausted  StoreErrorCode = "resource-exhausted"
	StoreErrorPermissionDenied   StoreErrorCode = "permission-denied"
	StoreErrorFailedPrecondition StoreErrorCode = "failed-precondition"
	StoreErrorInvalidArgument    StoreErrorCode = "invalid-argument"
)

type ErrorClass int

const (
	// intentional teardown. No retry, no notice.
	ErrorClassCancelled ErrorClass = iota
	// network/resource/deadline. Retryable with backoff.
	ErrorClassTransient
	// terminal, user-actionable.
	ErrorClassPermission
	// terminal, developer-actionable.
	ErrorClassConfiguration
)

func (self ErrorClass) String() string {
	switch self {
	case ErrorClassCancelled:
		return "cancelled"
	case ErrorClassTransient:
		return "transient"
	case ErrorClassPermission:
		return "permission"
	case ErrorClassConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// unknown codes are treated conservatively as transient
func ClassifyStoreError(code StoreErrorCode) ErrorClass {
	switch code {
	case StoreErrorCancelled:
		return ErrorClassCancelled
	case StoreErrorUnavailable, StoreErrorDeadlineExceeded, StoreErrorResourceExhausted:
		return ErrorClassTransient
	case StoreErrorPermissionDenied:
		return ErrorClassPermission
	case StoreErrorFailedPrecondition, StoreErrorInvalidArgument:
		return ErrorClassConfiguration
	default:
		return ErrorClassTransient
	}
}
