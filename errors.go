package yoloprep

// Error taxonomy shared by the acquisition and partitioning stages.

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kinds of per-image write failures. Match them with errors.Is against a *WriteError.
var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrDecodeFailed = errors.New("decode failed")
	ErrFilesystem   = errors.New("filesystem error")
)

// ParseError reports an annotation document that cannot be used. It is fatal for a run.
type ParseError struct {
	Path string // The document path, empty when parsed from a reader.
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cannot parse annotations: %v", e.Err)
	}
	return fmt.Sprintf("cannot parse annotations in %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchError reports a failure to retrieve image bytes.
type FetchError struct {
	URL        string
	StatusCode int // Zero if no HTTP response was received.
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError is returned by ArtifactWriter.Write. Kind is one of ErrFetchFailed, ErrDecodeFailed
// or ErrFilesystem; Err is the underlying cause.
type WriteError struct {
	FileName string
	Kind     error
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.FileName, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *WriteError) Unwrap() []error { return []error{e.Kind, e.Err} }

func newWriteError(fileName string, kind, err error) *WriteError {
	return &WriteError{FileName: fileName, Kind: kind, Err: err}
}
