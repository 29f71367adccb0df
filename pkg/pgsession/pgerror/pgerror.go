// Package pgerror maps PostgreSQL failures to a structured error taxonomy.
//
// Classification prefers the 5-character SQLSTATE code reported by protocol-3
// servers; when no code is available the raw message text is matched against
// known backend phrasings. The taxonomy mirrors the standard SQL error classes
// listed at https://www.postgresql.org/docs/current/errcodes-appendix.html.
package pgerror

import "strings"

// Kind identifies the category of a database error.
type Kind int

const (
	// KindDatabase is the fallback for anything not covered below.
	KindDatabase Kind = iota
	KindOperational
	KindProgramming
	KindData
	KindIntegrity
	KindInternal
	KindNotSupported
	KindTransactionRollback
	KindQueryCanceled
)

var kindNames = map[Kind]string{
	KindDatabase:            "database",
	KindOperational:         "operational",
	KindProgramming:         "programming",
	KindData:                "data",
	KindIntegrity:           "integrity",
	KindInternal:            "internal",
	KindNotSupported:        "not supported",
	KindTransactionRollback: "transaction rollback",
	KindQueryCanceled:       "query canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return "database"
}

// Error is a classified database error. Code is the SQLSTATE when one was
// available, Message has the severity prefix stripped, Raw is the message as
// reported by the server.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Raw     string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports kind equality so callers can match with errors.Is against
// sentinel errors built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

// New builds a classified error from an already-stripped message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Raw: message}
}

// Operational is a shorthand for the I/O and protocol-level failures the
// engine produces itself (lock failures, lost connections, malformed reads).
func Operational(message string) *Error {
	return New(KindOperational, "", message)
}

// Programming is a shorthand for caller mistakes detected by the engine.
func Programming(message string) *Error {
	return New(KindProgramming, "", message)
}

// FromServer classifies a server-reported failure. code may be empty (older
// protocol); extended enables the TransactionRollback and QueryCanceled kinds.
func FromServer(code, message string, extended bool) *Error {
	var kind Kind
	if code != "" {
		kind = ClassifyCode(code, extended)
	} else {
		kind = classifyMessage(message, extended)
	}

	return &Error{
		Kind:    kind,
		Code:    code,
		Message: StripSeverity(message),
		Raw:     message,
	}
}

// ClassifyCode maps a SQLSTATE to an error kind by class prefix.
func ClassifyCode(code string, extended bool) Kind {
	if len(code) < 2 {
		return KindDatabase
	}

	switch code[0] {
	case '0':
		if code[1] == 'A' { // Class 0A - Feature Not Supported
			return KindNotSupported
		}
	case '2':
		switch code[1] {
		case '1': // Class 21 - Cardinality Violation
			return KindProgramming
		case '2': // Class 22 - Data Exception
			return KindData
		case '3': // Class 23 - Integrity Constraint Violation
			return KindIntegrity
		case '4', '5': // Invalid Cursor State, Invalid Transaction State
			return KindInternal
		case '6', '7', '8': // Invalid Statement Name, Triggered Data Change, Invalid Authorization
			return KindOperational
		case 'B', 'D', 'F': // Dependent Privileges, Invalid Transaction Termination, SQL Routine
			return KindInternal
		}
	case '3':
		switch code[1] {
		case '4': // Class 34 - Invalid Cursor Name
			return KindOperational
		case '8', '9', 'B': // External Routine, External Routine Invocation, Savepoint
			return KindInternal
		case 'D', 'F': // Invalid Catalog Name, Invalid Schema Name
			return KindProgramming
		}
	case '4':
		switch code[1] {
		case '0': // Class 40 - Transaction Rollback
			if extended {
				return KindTransactionRollback
			}

			return KindOperational
		case '2', '4': // Syntax Error or Access Rule Violation, WITH CHECK OPTION Violation
			return KindProgramming
		}
	case '5':
		// Classes 53, 54, 55, 57, 58: resource, limit, state, operator
		// intervention and external system errors.
		if extended && code == "57014" {
			return KindQueryCanceled
		}

		return KindOperational
	case 'F': // Class F0 - Configuration File Error
		return KindInternal
	case 'P': // Class P0 - PL/pgSQL Error
		return KindInternal
	case 'X': // Class XX - Internal Error
		return KindInternal
	}

	return KindDatabase
}

// classifyMessage deduces a kind from the error text when no SQLSTATE is
// available. The phrasings are the ones pre-protocol-3 servers emit.
func classifyMessage(message string, extended bool) Kind {
	switch {
	case strings.HasPrefix(message, "ERROR:  Cannot insert a duplicate key"),
		strings.HasPrefix(message, "ERROR:  ExecAppend: Fail to add null"),
		strings.Contains(message, "referential integrity violation"):
		return KindIntegrity
	case strings.Contains(message, "could not serialize"),
		strings.Contains(message, "deadlock detected"):
		if extended {
			return KindTransactionRollback
		}

		return KindOperational
	default:
		return KindProgramming
	}
}

// StripSeverity removes the leading severity token from a server message.
func StripSeverity(message string) string {
	if len(message) > 8 && (strings.HasPrefix(message, "ERROR:  ") ||
		strings.HasPrefix(message, "FATAL:  ") ||
		strings.HasPrefix(message, "PANIC:  ")) {
		return message[8:]
	}

	return message
}
