//go:build pam

package main

import (
	"io"
	"log/syslog"

	"github.com/charmbracelet/log"
)

func dialSyslog() (io.WriteCloser, error) {
	return syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_INFO, "pam_escalate")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger writes to the writer dial opens, normally the authpriv syslog
// facility. Without it the module runs silently. The caller closes the
// returned Closer when the PAM call returns.
func newLogger(dial func() (io.WriteCloser, error)) (*log.Logger, io.Closer) {
	var (
		w      io.Writer = io.Discard
		closer io.Closer = nopCloser{}
	)
	if wc, err := dial(); err == nil {
		w, closer = wc, wc
	}
	return log.NewWithOptions(w, log.Options{
		Level:     log.WarnLevel,
		Formatter: log.LogfmtFormatter,
	}), closer
}
