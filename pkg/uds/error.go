package uds

// Negative response codes.
const (
	GeneralReject                      = 0x10
	ServiceNotSupported                = 0x11
	SubFunctionNotSupported            = 0x12
	IncorrectMessageLength             = 0x13
	BusyRepeatRequest                  = 0x21
	ConditionsNotCorrect               = 0x22
	RequestSequenceError               = 0x24
	RequestOutOfRange                  = 0x31
	SecurityAccessDenied               = 0x33
	InvalidKey                         = 0x35
	ExceededNumberOfAttempts           = 0x36
	RequiredTimeDelayNotExpired        = 0x37
	ResponsePending                    = 0x78
	SubFunctionNotSupportedInSession   = 0x7E
	ServiceNotSupportedInActiveSession = 0x7F
)

func TranslateServiceCode(p byte) string {
	switch p {
	case 0x01:
		return "ShowCurrentData"
	case 0x02:
		return "ShowFreezeFrameData"
	case 0x03:
		return "ShowStoredDTCs"
	case 0x04:
		return "ClearDTCs"
	case 0x07:
		return "ShowPendingDTCs"
	case 0x09:
		return "RequestVehicleInformation"
	case 0x0A:
		return "ShowPermanentDTCs"
	case DiagnosticSessionControl:
		return "DiagnosticSessionControl"
	case ECUReset:
		return "ECUReset"
	case ClearDiagnosticInformation:
		return "ClearDiagnosticInformation"
	case ReadDTCInformation:
		return "ReadDTCInformation"
	case ReadDataByIdentifier:
		return "ReadDataByIdentifier"
	case SecurityAccess:
		return "SecurityAccess"
	case RoutineControl:
		return "RoutineControl"
	case TesterPresent:
		return "TesterPresent"
	case 0x81:
		return "StartCommunication"
	case 0x82:
		return "StopCommunication"
	default:
		return "Unknown"
	}
}

func TranslateErrorCode(p byte) string {
	switch p {
	case GeneralReject:
		return "General reject"
	case ServiceNotSupported:
		return "Service not supported"
	case SubFunctionNotSupported:
		return "Sub-function not supported"
	case IncorrectMessageLength:
		return "Incorrect message length or invalid format"
	case 0x14:
		return "Response too long"
	case BusyRepeatRequest:
		return "Busy, repeat request"
	case ConditionsNotCorrect:
		return "Conditions not correct"
	case RequestSequenceError:
		return "Request sequence error"
	case 0x25:
		return "No response from subnet component"
	case 0x26:
		return "Failure prevents execution of requested action"
	case RequestOutOfRange:
		return "Request out of range"
	case SecurityAccessDenied:
		return "Security access denied"
	case InvalidKey:
		return "Invalid key"
	case ExceededNumberOfAttempts:
		return "Exceeded number of attempts to get security access"
	case RequiredTimeDelayNotExpired:
		return "Required time delay not expired"
	case 0x70:
		return "Upload/download not accepted"
	case 0x71:
		return "Transfer data suspended"
	case 0x72:
		return "General programming failure"
	case 0x73:
		return "Wrong block sequence counter"
	case ResponsePending:
		return "Response pending"
	case SubFunctionNotSupportedInSession:
		return "Sub-function not supported in active session"
	case ServiceNotSupportedInActiveSession:
		return "Service not supported in active session"
	case 0x81:
		return "RPM too high"
	case 0x82:
		return "RPM too low"
	case 0x83:
		return "Engine is running"
	case 0x84:
		return "Engine is not running"
	case 0x88:
		return "Vehicle speed too high"
	case 0x92, 0x93:
		return "Voltage out of range"
	}
	return "Unknown error"
}
