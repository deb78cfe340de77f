package core

// error_messages.go maps technical errors to user-facing messages with a
// support code. Load results carry the code of every sampled failure and
// the HTTP layer returns it with every error response.
//
// # Engine Errors (ENG001-ENG099)
//
//	ENG001 - Engine unavailable: The record repository cannot be reached
//	         Action: Retry the load once the repository is back
//	         Patterns: "engine unavailable"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: A record with this ID already exists
//	        Patterns: "duplicate key"
//	DB002 - Unique constraint: A value must be unique but already exists
//	        Patterns: "unique constraint", "violates unique"
//	DB003 - Value too long: A field value exceeds the column limit
//	        Patterns: "value too long"
//	DB004 - Connection refused: Unable to connect to database
//	        Patterns: "connection refused"
//	DB005 - Connection reset: Database connection was interrupted
//	        Patterns: "connection reset"
//	DB006 - Timeout: Operation timed out
//	        Patterns: "timeout"
//	DB007 - Deadlock: Database was busy with conflicting operations
//	        Patterns: "deadlock"
//
// # Format Errors (FMT001-FMT099)
//
//	FMT001 - Unknown charset: The declared character set is not supported
//	         Patterns: "unknown charset"
//	FMT002 - Binary content: The input is not text
//	         Patterns: "binary content"
//	FMT003 - Unsupported format: Input is not CSV, a JSON array or JSON lines
//	         Patterns: "unsupported format"
//
// # Record Errors (REC001-REC099)
//
//	REC001 - Ragged row: A CSV row has a different number of fields than the header
//	         Patterns: "fields, got"
//	REC002 - Not an object: A JSON record is not an object
//	         Patterns: "not a json object"
//	REC003 - Malformed record: A record could not be parsed
//	         Patterns: "malformed record"
//	WRT001 - Write rejected: The repository rejected a record
//	         Patterns: "write record"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large: File exceeds the maximum size limit
//	          Patterns: "file too large", "request body too large"
//	FILE003 - Encoding error: File contains invalid characters
//	          Patterns: "encoding error"
//	FILE004 - No file: No data was sent
//	          Patterns: "no file provided"
//	FILE005 - Empty file: The input has no content
//	          Patterns: "empty file", "no content"
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - Invalid parameter: A load parameter could not be parsed
//	          Patterns: "invalid override", "invalid parameter"
//	LOAD002 - System busy: Too many loads in progress
//	          Patterns: "too many concurrent"
//	LOAD003 - Load not found: The load ID is unknown or expired
//	          Patterns: "load not found"
//	LOAD004 - Request cancelled: The load was cancelled
//	          Patterns: "context canceled"
//	LOAD005 - Request timeout: The load timed out
//	          Patterns: "context deadline exceeded"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Rate limited: Too many requests
//	          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when no pattern matches. Check the logs for the technical error.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Engine (ENG001)
	// Checked first: an unavailable engine usually wraps a connection error.
	// =========================================================================
	{
		pattern: "engine unavailable",
		msg: UserMessage{
			Message: "The record repository is unavailable",
			Action:  "Retry the load once the repository is back",
			Code:    "ENG001",
		},
	},

	// =========================================================================
	// Database (DB001-DB007)
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this ID already exists",
			Action:  "Review the records for repeated RECORD_ID values",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your data",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "A duplicate value was found",
			Action:  "Review your data for duplicate key values",
			Code:    "DB002",
		},
	},
	{
		pattern: "value too long",
		msg: UserMessage{
			Message: "A field value is too long",
			Action:  "Shorten the DATA_SOURCE, ENTITY_TYPE or RECORD_ID value",
			Code:    "DB003",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// =========================================================================
	// Format (FMT001-FMT003)
	// =========================================================================
	{
		pattern: "unknown charset",
		msg: UserMessage{
			Message: "The declared character set is not supported",
			Action:  "Send the data as UTF-8 or declare a standard charset",
			Code:    "FMT001",
		},
	},
	{
		pattern: "binary content",
		msg: UserMessage{
			Message: "The input is not a text file",
			Action:  "Send CSV, a JSON array or JSON lines",
			Code:    "FMT002",
		},
	},
	{
		pattern: "unsupported format",
		msg: UserMessage{
			Message: "The input format could not be determined",
			Action:  "Send CSV, a JSON array or JSON lines, or set the Content-Type",
			Code:    "FMT003",
		},
	},

	// =========================================================================
	// Records (REC001-REC003, WRT001)
	// =========================================================================
	{
		pattern: "fields, got",
		msg: UserMessage{
			Message: "A row has a different number of fields than the header",
			Action:  "Check the row for missing or extra delimiters",
			Code:    "REC001",
		},
	},
	{
		pattern: "not a json object",
		msg: UserMessage{
			Message: "A JSON record is not an object",
			Action:  "Make every record a JSON object",
			Code:    "REC002",
		},
	},
	{
		pattern: "malformed record",
		msg: UserMessage{
			Message: "A record could not be parsed",
			Action:  "Fix the syntax of the record at the reported line",
			Code:    "REC003",
		},
	},
	{
		pattern: "write record",
		msg: UserMessage{
			Message: "The repository rejected a record",
			Action:  "Review the reported record",
			Code:    "WRT001",
		},
	},

	// =========================================================================
	// File (FILE001-FILE005)
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "encoding error",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save the file as UTF-8",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No data was sent",
			Action:  "Send the records in the request body or as a file",
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The input is empty",
			Action:  "Send a file with records",
			Code:    "FILE005",
		},
	},
	{
		pattern: "no content",
		msg: UserMessage{
			Message: "The input is empty",
			Action:  "Send a file with records",
			Code:    "FILE005",
		},
	},

	// =========================================================================
	// Loads (LOAD001-LOAD005)
	// =========================================================================
	{
		pattern: "invalid override",
		msg: UserMessage{
			Message: "A mapping override could not be parsed",
			Action:  "Use FROM:TO pairs or a JSON object of codes",
			Code:    "LOAD001",
		},
	},
	{
		pattern: "invalid parameter",
		msg: UserMessage{
			Message: "A load parameter is invalid",
			Action:  "Check the request parameters",
			Code:    "LOAD001",
		},
	},
	{
		pattern: "too many concurrent",
		msg: UserMessage{
			Message: "System is busy processing other loads",
			Action:  "Please wait a moment and try again",
			Code:    "LOAD002",
		},
	},
	{
		pattern: "load not found",
		msg: UserMessage{
			Message: "Load not found",
			Action:  "The load may have expired. Check the load history",
			Code:    "LOAD003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The request was cancelled",
			Action:  "Records written before the cancel are kept. Start a new load when ready",
			Code:    "LOAD004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The request timed out",
			Action:  "Try a smaller file or raise LOAD_TIMEOUT",
			Code:    "LOAD005",
		},
	},

	// =========================================================================
	// Rate Limiting (RATE001)
	// =========================================================================
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. If no
// pattern matches, the ERR000 fallback is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError formats an error as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
