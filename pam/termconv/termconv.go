// Package termconv implements the PAM conversation on a terminal, for
// running the module outside of a PAM stack.
package termconv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"github.com/zylisp/escalate/pam"
)

// Conversation reads answers from in and writes prompts to out. Echo-off
// prompts hide the typed text when in is a terminal.
type Conversation struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

// New returns a conversation on in and out. in is usually an *os.File.
func New(in io.Reader, out io.Writer) *Conversation {
	return &Conversation{in: in, reader: bufio.NewReader(in), out: out}
}

// Converse implements the conversation function of pam.Handle.
func (c *Conversation) Converse(style pam.Style, text string) (string, error) {
	switch style {
	case pam.PromptEchoOff:
		if _, err := io.WriteString(c.out, text); err != nil {
			return "", fmt.Errorf("%w: %v", pam.ErrConversation, err)
		}
		return c.readSecret()
	case pam.PromptEchoOn:
		if _, err := io.WriteString(c.out, text); err != nil {
			return "", fmt.Errorf("%w: %v", pam.ErrConversation, err)
		}
		return c.readLine()
	case pam.ErrorMsg, pam.TextInfo:
		if _, err := fmt.Fprintln(c.out, text); err != nil {
			return "", fmt.Errorf("%w: %v", pam.ErrConversation, err)
		}
		return "", nil
	default:
		return "", fmt.Errorf("%w: unknown style %d", pam.ErrConversation, style)
	}
}

func (c *Conversation) readSecret() (string, error) {
	f, ok := c.in.(interface{ Fd() uintptr })
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return c.readLine()
	}
	fd := int(f.Fd())
	secret, err := term.ReadPassword(fd)
	// The user's newline was not echoed
	fmt.Fprintln(c.out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pam.ErrConversation, err)
	}
	return string(secret), nil
}

func (c *Conversation) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("%w: %v", pam.ErrConversation, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
