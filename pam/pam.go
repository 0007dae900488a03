// Package pam describes the part of the host authentication framework the
// module uses: the user name, a few items, the PAM environment and the
// conversation function.
package pam

import (
	"errors"
	"fmt"

	"github.com/zylisp/escalate/protocol"
)

// Status is a PAM return code. Values match Linux-PAM.
type Status int

const (
	Success     Status = 0
	OpenErr     Status = 1
	SymbolErr   Status = 2
	ServiceErr  Status = 3
	SystemErr   Status = 4
	BufErr      Status = 5
	PermDenied  Status = 6
	AuthErr     Status = 7
	UserUnknown Status = 10
	ConvErr     Status = 19
	Ignore      Status = 25
)

func (s Status) String() string {
	switch s {
	case Success:
		return "PAM_SUCCESS"
	case SystemErr:
		return "PAM_SYSTEM_ERR"
	case AuthErr:
		return "PAM_AUTH_ERR"
	case ConvErr:
		return "PAM_CONV_ERR"
	case BufErr:
		return "PAM_BUF_ERR"
	case PermDenied:
		return "PAM_PERM_DENIED"
	case UserUnknown:
		return "PAM_USER_UNKNOWN"
	case Ignore:
		return "PAM_IGNORE"
	default:
		return fmt.Sprintf("PAM_STATUS(%d)", int(s))
	}
}

// Style is a conversation message style. The protocol uses the same values.
type Style = protocol.Style

const (
	PromptEchoOff = protocol.StyleEchoOff
	PromptEchoOn  = protocol.StyleEchoOn
	ErrorMsg      = protocol.StyleError
	TextInfo      = protocol.StyleInfo
)

// Item identifies a PAM item. The protocol uses the same values.
type Item = protocol.ItemID

const (
	ItemService = protocol.ItemService
	ItemUser    = protocol.ItemUser
	ItemTTY     = protocol.ItemTTY
	ItemRHost   = protocol.ItemRHost
	ItemRUser   = protocol.ItemRUser
)

// ErrConversation is returned by Converse when the application rejected or
// failed to answer a message.
var ErrConversation = errors.New("conversation failed")

// Handle is the per-transaction capability surface of the host framework.
// A Handle is used from a single goroutine.
type Handle interface {
	// User returns the name of the user being authenticated.
	User() (string, error)

	// Item returns a string item and whether it is set.
	Item(item Item) (string, bool)

	// SetItem sets a string item.
	SetItem(item Item, value string) error

	// Getenv returns a PAM environment variable and whether it is set.
	Getenv(name string) (string, bool)

	// Putenv sets a PAM environment variable, replacing any prior value.
	Putenv(name, value string) error

	// Unsetenv removes a PAM environment variable. Removing an unset
	// variable is not an error.
	Unsetenv(name string) error

	// Env returns a copy of the PAM environment.
	Env() map[string]string

	// Converse runs one conversation turn. For styles that take no input
	// the returned text is meaningless.
	Converse(style Style, text string) (string, error)
}
