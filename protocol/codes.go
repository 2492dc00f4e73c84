package protocol

// Business outcome codes carried in the response envelope. HTTP status stays
// 200 for all of these; transport-level statuses are reserved for failures
// that happen before dispatch.
const (
	CodeSuccess         = 0
	CodeBadEnvelope     = 40000
	CodeInputValidation = 40001
	CodeNotFound        = 40400
	CodeRejected        = 42900
	CodeSystem          = 50000
	CodeRuntime         = 50001
	CodeTimeout         = 50400
)

// MessageSuccess is the default message for a zero-code response.
const MessageSuccess = "success"
