package wire

// ResultCode is the request-completed result code carried back to the
// server, independent of any underlying transport error (§7 taxonomy).
type ResultCode uint32

const (
	RCSuccess ResultCode = iota
	RCMalformedCommand
	RCUnknownCommand
	RCUnknownMetric
	RCUnknownInstance
	RCUnsupported
	RCAccessDenied
	RCAuthenticationFailed
	RCRequestTimeout
	RCInternalError
	RCIOFailure
	RCFileOpenError
	RCEncryptionError
	RCMemAllocFailed
	RCOutOfResources
	RCExecFailed
	RCSocketError
	RCConnectionBroken
	RCBadArguments
	RCNotImplemented
	RCAlarmAlreadyInIncident
)

var resultCodeNames = map[ResultCode]string{
	RCSuccess:                "SUCCESS",
	RCMalformedCommand:       "MALFORMED_COMMAND",
	RCUnknownCommand:         "UNKNOWN_COMMAND",
	RCUnknownMetric:          "UNKNOWN_METRIC",
	RCUnknownInstance:        "UNKNOWN_INSTANCE",
	RCUnsupported:            "UNSUPPORTED",
	RCAccessDenied:           "ACCESS_DENIED",
	RCAuthenticationFailed:   "AUTHENTICATION_FAILED",
	RCRequestTimeout:         "REQUEST_TIMEOUT",
	RCInternalError:          "INTERNAL_ERROR",
	RCIOFailure:              "IO_FAILURE",
	RCFileOpenError:          "FILE_OPEN_ERROR",
	RCEncryptionError:        "ENCRYPTION_ERROR",
	RCMemAllocFailed:         "MEM_ALLOC_FAILED",
	RCOutOfResources:         "OUT_OF_RESOURCES",
	RCExecFailed:             "EXEC_FAILED",
	RCSocketError:            "SOCKET_ERROR",
	RCConnectionBroken:       "CONNECTION_BROKEN",
	RCBadArguments:           "BAD_ARGUMENTS",
	RCNotImplemented:         "NOT_IMPLEMENTED",
	RCAlarmAlreadyInIncident: "ALARM_ALREADY_IN_INCIDENT",
}

func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN_RESULT_CODE"
}
