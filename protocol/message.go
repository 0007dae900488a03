package protocol

import "fmt"

// Version is the protocol version sent in every Hello.
const Version = 1

// Kind identifies a message variant. It is the leading tag of every frame.
type Kind uint8

const (
	KindHello  Kind = 1
	KindPrompt Kind = 2
	KindReply  Kind = 3
	KindResult Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPrompt:
		return "prompt"
	case KindReply:
		return "reply"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// Action is the PAM entry point the module was invoked for.
type Action int32

const (
	ActionAuthenticate Action = 0
	ActionAcctMgmt     Action = 1
	ActionSetCred      Action = 2
	ActionOpenSession  Action = 3
	ActionCloseSession Action = 4
	ActionChAuthTok    Action = 5
)

func (a Action) String() string {
	switch a {
	case ActionAuthenticate:
		return "authenticate"
	case ActionAcctMgmt:
		return "acct-mgmt"
	case ActionSetCred:
		return "setcred"
	case ActionOpenSession:
		return "open-session"
	case ActionCloseSession:
		return "close-session"
	case ActionChAuthTok:
		return "chauthtok"
	default:
		return fmt.Sprintf("action(%d)", int32(a))
	}
}

// Style is the presentation style of a Prompt. Values match PAM's msg_style.
type Style int32

const (
	StyleEchoOff Style = 1
	StyleEchoOn  Style = 2
	StyleError   Style = 3
	StyleInfo    Style = 4
)

// Valid reports whether s is one of the four known styles.
func (s Style) Valid() bool {
	return s >= StyleEchoOff && s <= StyleInfo
}

// ExpectsInput reports whether the user is asked to type something.
func (s Style) ExpectsInput() bool {
	return s == StyleEchoOff || s == StyleEchoOn
}

func (s Style) String() string {
	switch s {
	case StyleEchoOff:
		return "echo-off"
	case StyleEchoOn:
		return "echo-on"
	case StyleError:
		return "error"
	case StyleInfo:
		return "info"
	default:
		return "unknown"
	}
}

// ItemID names a PAM item carried in Hello. Values match PAM's item types.
type ItemID int32

const (
	ItemService ItemID = 1
	ItemUser    ItemID = 2
	ItemTTY     ItemID = 3
	ItemRHost   ItemID = 4
	ItemRUser   ItemID = 8
)

// Result status codes with a defined meaning. Any other status is a
// system error.
const (
	StatusSuccess   int32 = 0
	StatusSystemErr int32 = 4
	StatusAuthErr   int32 = 7
)

// Message is one of *Hello, *Prompt, *Reply or *Result.
type Message interface {
	Kind() Kind
	message()
}

// Hello opens a session. It is always the first message and is sent by the
// module exactly once.
type Hello struct {
	Version  int32
	Action   Action
	Username string
	Items    map[ItemID]*string
	Env      map[string]string
}

// Prompt asks the module to show Text to the user with the given Style.
type Prompt struct {
	Style Style
	Text  string
}

// Reply answers exactly one Prompt. Response is nil for styles that take no
// input.
type Reply struct {
	Response   *string
	ReturnCode int32
}

// Result ends the session.
type Result struct {
	Status int32
	Env    map[string]string
}

func (*Hello) Kind() Kind  { return KindHello }
func (*Prompt) Kind() Kind { return KindPrompt }
func (*Reply) Kind() Kind  { return KindReply }
func (*Result) Kind() Kind { return KindResult }

func (*Hello) message()  {}
func (*Prompt) message() {}
func (*Reply) message()  {}
func (*Result) message() {}

// Optional returns a pointer to a copy of s, for optional text fields.
func Optional(s string) *string {
	return &s
}
