// Package pamtest provides an in-memory pam.Handle with a scripted
// conversation for tests and tools.
package pamtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zylisp/escalate/pam"
)

// Turn is one expected conversation call and the answer to give.
type Turn struct {
	Style    pam.Style
	Text     string
	Response string
	// Fail makes the conversation report an error for this turn.
	Fail bool
}

// Conversation replays Turns in order and records what it was asked.
type Conversation struct {
	mu       sync.Mutex
	turns    []Turn
	consumed int
	errs     []string
}

// NewConversation returns a conversation expecting exactly turns.
func NewConversation(turns ...Turn) *Conversation {
	return &Conversation{turns: turns}
}

// Converse implements the conversation function.
func (c *Conversation) Converse(style pam.Style, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed >= len(c.turns) {
		c.errs = append(c.errs, fmt.Sprintf("unexpected turn %d: %s %q", c.consumed, style, text))
		return "", pam.ErrConversation
	}
	turn := c.turns[c.consumed]
	c.consumed++

	if turn.Style != style || turn.Text != text {
		c.errs = append(c.errs, fmt.Sprintf("turn %d: got %s %q, want %s %q",
			c.consumed-1, style, text, turn.Style, turn.Text))
	}
	if turn.Fail {
		return "", pam.ErrConversation
	}
	return turn.Response, nil
}

// Consumed returns how many turns have run.
func (c *Conversation) Consumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// Err reports mismatched or extra turns, and turns that never ran.
func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := append([]string(nil), c.errs...)
	if c.consumed < len(c.turns) {
		errs = append(errs, fmt.Sprintf("%d of %d turns consumed", c.consumed, len(c.turns)))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}

// ConverseFunc adapts a function to the conversation used by Handle.
type ConverseFunc func(style pam.Style, text string) (string, error)

// Handle is an in-memory pam.Handle.
type Handle struct {
	user     string
	items    map[pam.Item]string
	env      map[string]string
	converse ConverseFunc
}

var _ pam.Handle = (*Handle)(nil)

// NewHandle starts a transaction for user. A nil converse rejects every
// conversation turn.
func NewHandle(user string, converse ConverseFunc) *Handle {
	if converse == nil {
		converse = func(pam.Style, string) (string, error) {
			return "", pam.ErrConversation
		}
	}
	return &Handle{
		user:     user,
		items:    map[pam.Item]string{pam.ItemUser: user},
		env:      map[string]string{},
		converse: converse,
	}
}

// User implements pam.Handle.
func (h *Handle) User() (string, error) {
	if h.user == "" {
		return "", errors.New("no user")
	}
	return h.user, nil
}

// Item implements pam.Handle.
func (h *Handle) Item(item pam.Item) (string, bool) {
	v, ok := h.items[item]
	return v, ok
}

// SetItem implements pam.Handle.
func (h *Handle) SetItem(item pam.Item, value string) error {
	h.items[item] = value
	if item == pam.ItemUser {
		h.user = value
	}
	return nil
}

// Getenv implements pam.Handle.
func (h *Handle) Getenv(name string) (string, bool) {
	v, ok := h.env[name]
	return v, ok
}

// Putenv implements pam.Handle.
func (h *Handle) Putenv(name, value string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment name %q", name)
	}
	h.env[name] = value
	return nil
}

// Unsetenv implements pam.Handle.
func (h *Handle) Unsetenv(name string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment name %q", name)
	}
	delete(h.env, name)
	return nil
}

// Env implements pam.Handle.
func (h *Handle) Env() map[string]string {
	out := make(map[string]string, len(h.env))
	for k, v := range h.env {
		out[k] = v
	}
	return out
}

// Converse implements pam.Handle.
func (h *Handle) Converse(style pam.Style, text string) (string, error) {
	return h.converse(style, text)
}
