package io

import (
	"io"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

type MultiCloser interface {
	io.Closer
	AddCloser(closer io.Closer)
}

func NewMultiCloser() MultiCloser {
	return &multiCloser{}
}

// multiCloser closes in reverse order of registration and keeps going after a failure.
type multiCloser struct {
	mu      sync.Mutex
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = errors.Join(err, closers[i].Close())
	}
	return err
}

func (m *multiCloser) AddCloser(closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer)
}
