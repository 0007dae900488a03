//go:build pam

package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	bytes.Buffer
	closed int
}

func (w *recordingWriter) Close() error {
	w.closed++
	return nil
}

func TestNewLogger_ClosesWriter(t *testing.T) {
	var writers []*recordingWriter
	dial := func() (io.WriteCloser, error) {
		w := &recordingWriter{}
		writers = append(writers, w)
		return w, nil
	}

	for i := 0; i < 3; i++ {
		logger, closer := newLogger(dial)
		logger.Warn("helper unavailable")
		require.NoError(t, closer.Close())
	}

	require.Len(t, writers, 3)
	for _, w := range writers {
		assert.Equal(t, 1, w.closed)
		assert.Contains(t, w.String(), "helper unavailable")
	}
}

func TestNewLogger_DialFailure(t *testing.T) {
	logger, closer := newLogger(func() (io.WriteCloser, error) {
		return nil, errors.New("no syslog")
	})
	logger.Error("load config")
	assert.NoError(t, closer.Close())
}
