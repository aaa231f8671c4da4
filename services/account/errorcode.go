package account

import "fmt"

// Return codes of the legacy account procedures. Zero is success; every other
// value means the output parameters are not usable.
const (
	CodeOK               = 0
	CodeAccountNotFound  = -1
	CodeInsufficientSilk = -2
	CodeInvalidAmount    = -3
	CodeDatabaseError    = -4
	CodeDuplicateOrder   = -5
	CodeAccountBlocked   = -6
)

var codeMessages = map[int]string{
	CodeOK:               "success",
	CodeAccountNotFound:  "account not found",
	CodeInsufficientSilk: "insufficient silk",
	CodeInvalidAmount:    "invalid amount",
	CodeDatabaseError:    "account database error",
	CodeDuplicateOrder:   "duplicate order",
	CodeAccountBlocked:   "account is blocked",
}

// Translate returns the display message for a procedure return code. It is
// total: unknown codes map to "unknown error N". Never branch on its output.
func Translate(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error %d", code)
}
