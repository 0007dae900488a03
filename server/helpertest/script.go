// Package helpertest provides a scripted helper for tests and for the
// mock-helper command. A Script checks the Hello it receives, plays a fixed
// list of prompts, and answers with a fixed Result.
package helpertest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zylisp/escalate/protocol"
	"github.com/zylisp/escalate/server"
)

// Expect describes the Hello a Script should receive. Nil fields are not
// checked.
type Expect struct {
	Username *string           `yaml:"username"`
	TTY      *string           `yaml:"tty"`
	Env      map[string]string `yaml:"env"`
}

// Step is one prompt. Style is one of echo-off, echo-on, error or info.
// When Reply is set the user's response must equal it, otherwise the
// Reject steps are played and the session ends with an authentication
// error.
type Step struct {
	Style string  `yaml:"style"`
	Text  string  `yaml:"text"`
	Reply *string `yaml:"reply"`
}

// Outcome is the Result a Script sends.
type Outcome struct {
	Status int32             `yaml:"status"`
	Env    map[string]string `yaml:"env"`
}

// Script is a server.Handler driven by data. A nil Result makes the helper
// hang up after the last step. A Script may serve several sessions at once.
type Script struct {
	Expect *Expect  `yaml:"expect"`
	Steps  []Step   `yaml:"steps"`
	Reject []Step   `yaml:"reject"`
	Result *Outcome `yaml:"result"`

	mu       sync.Mutex
	hellos   []*protocol.Hello
	replies  []*string
	mismatch []string
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every step names a known style.
func (s *Script) Validate() error {
	for i, step := range s.Steps {
		if _, err := ParseStyle(step.Style); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, step := range s.Reject {
		if _, err := ParseStyle(step.Style); err != nil {
			return fmt.Errorf("reject step %d: %w", i, err)
		}
	}
	return nil
}

// ParseStyle maps a style name to its protocol value.
func ParseStyle(name string) (protocol.Style, error) {
	for st := protocol.StyleEchoOff; st <= protocol.StyleInfo; st++ {
		if name == st.String() {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown prompt style %q", name)
}

// Handle implements server.Handler.
func (s *Script) Handle(ctx context.Context, hello *protocol.Hello, p server.Prompter) (*protocol.Result, error) {
	s.record(hello)

	ok, err := s.play(ctx, s.Steps, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.play(ctx, s.Reject, p); err != nil {
			return nil, err
		}
		return &protocol.Result{Status: protocol.StatusAuthErr}, nil
	}

	if s.Result == nil {
		return nil, server.ErrHangup
	}
	return &protocol.Result{Status: s.Result.Status, Env: maps.Clone(s.Result.Env)}, nil
}

// play sends steps in order. It stops early and reports false when a
// response does not match.
func (s *Script) play(ctx context.Context, steps []Step, p server.Prompter) (bool, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		style, err := ParseStyle(step.Style)
		if err != nil {
			return false, err
		}
		resp, err := p.Prompt(style, step.Text)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.replies = append(s.replies, resp)
		s.mu.Unlock()

		if step.Reply != nil && (resp == nil || *resp != *step.Reply) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Script) record(hello *protocol.Hello) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hellos = append(s.hellos, hello)

	if s.Expect == nil {
		return
	}
	if s.Expect.Username != nil && hello.Username != *s.Expect.Username {
		s.mismatch = append(s.mismatch, fmt.Sprintf("username %q, want %q", hello.Username, *s.Expect.Username))
	}
	if s.Expect.TTY != nil {
		tty := hello.Items[protocol.ItemTTY]
		if tty == nil || *tty != *s.Expect.TTY {
			s.mismatch = append(s.mismatch, fmt.Sprintf("tty %s, want %q", describe(tty), *s.Expect.TTY))
		}
	}
	if s.Expect.Env != nil && !maps.Equal(hello.Env, s.Expect.Env) {
		s.mismatch = append(s.mismatch, fmt.Sprintf("env %v, want %v", hello.Env, s.Expect.Env))
	}
}

// Hellos returns the Hello of every session served so far.
func (s *Script) Hellos() []*protocol.Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Hello(nil), s.hellos...)
}

// Replies returns every response received, in order.
func (s *Script) Replies() []*string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*string(nil), s.replies...)
}

// Err reports Hellos that did not match Expect.
func (s *Script) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mismatch) == 0 {
		return nil
	}
	return errors.New(strings.Join(s.mismatch, "; "))
}

func describe(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%q", *s)
}
