package hstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrCorrupt         = errors.New("corrupted node")
	ErrModeViolation   = errors.New("operation not allowed in this mode")
	ErrUnknownEncoding = errors.New("unknown encoding")
	ErrClosed          = errors.New("store is closed")
	ErrIncompatible    = errors.New("incompatible store file")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// NodeError reports a failure tied to one node of a stored tree.
type NodeError struct {
	Path []string
	Msg  string
	Err  error
}

func nodeErrf(path []string, err error, format string, args ...any) error {
	return &NodeError{path, fmt.Sprintf(format, args...), err}
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Error() string {
	var buf strings.Builder
	buf.WriteString(nodePathString(e.Path))
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// KeyError is returned for any call naming a channel that does not exist.
type KeyError struct {
	Key       string
	Available []string
}

func (e *KeyError) Unwrap() error {
	return ErrNotFound
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %q not found in dataset, keys: [%s]", e.Key, strings.Join(e.Available, ", "))
}

func nodePathString(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}
