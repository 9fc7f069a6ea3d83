package poe

import "fmt"

// BotError reports a failure communicating with a bot. Unless wrapped in
// BotErrorNoRetry, the failure is a candidate for retry.
type BotError struct {
	Message string
	Cause   error
}

func (e *BotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BotError) Unwrap() error { return e.Cause }

// BotErrorNoRetry is a BotError for which retrying is not allowed: the peer
// set allow_retry=false, or returned data that cannot be parsed.
type BotErrorNoRetry struct {
	BotError
}

// InvalidParameterError reports caller mis-wiring, e.g. providing both file
// bytes and a download URL. It is fatal to the current call.
type InvalidParameterError struct {
	Message string
}

func (e *InvalidParameterError) Error() string { return e.Message }

// AttachmentUploadError reports a non-200 response from the attachment
// service after retries were exhausted.
type AttachmentUploadError struct {
	Message string
	Cause   error
}

func (e *AttachmentUploadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("attachment upload: %s: %v", e.Message, e.Cause)
	}
	return "attachment upload: " + e.Message
}

func (e *AttachmentUploadError) Unwrap() error { return e.Cause }

// CostRequestError reports a malformed or rejected cost request: the cost
// endpoint returned non-200 or an unknown result status.
type CostRequestError struct {
	Message string
}

func (e *CostRequestError) Error() string { return "cost request: " + e.Message }

// InsufficientFundError reports that the cost endpoint declined to authorize
// or capture the requested amount. The server dispatcher translates it into
// an error event with error_type "insufficient_fund".
type InsufficientFundError struct{}

func (e *InsufficientFundError) Error() string { return "insufficient funds" }

// InvalidBotSettingsError reports that a bot returned settings that could
// not be parsed.
type InvalidBotSettingsError struct {
	Message string
	Cause   error
}

func (e *InvalidBotSettingsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid bot settings: %s: %v", e.Message, e.Cause)
	}
	return "invalid bot settings: " + e.Message
}

func (e *InvalidBotSettingsError) Unwrap() error { return e.Cause }
