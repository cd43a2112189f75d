package upstream

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnection   = errors.New("upstream unreachable")
	ErrNotFound     = errors.New("node not found")
	ErrSubscription = errors.New("subscription failed")
	ErrWrite        = errors.New("write rejected")
	ErrTerminated   = errors.New("subscription terminated unexpectedly")
	ErrNotOpen      = errors.New("session not open")
)

// ResolutionError reports the first path segment that had no matching child.
type ResolutionError struct {
	Path    []string
	Segment string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: no child named %q", strings.Join(e.Path, "/"), e.Segment)
}

func (e *ResolutionError) Unwrap() error {
	return ErrNotFound
}
