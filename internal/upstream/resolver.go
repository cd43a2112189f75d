package upstream

import (
	"context"
	"fmt"
	"strings"
)

// Browser lists the children of a node.
type Browser interface {
	Browse(ctx context.Context, h NodeHandle) ([]Reference, error)
}

// Resolver walks slash-separated paths through the address space.
type Resolver struct {
	browser Browser
	root    NodeHandle
}

func NewResolver(browser Browser, root NodeHandle) *Resolver {
	return &Resolver{browser: browser, root: root}
}

// SplitPath splits "Objects/Device/Group" into its segments, dropping
// empty segments produced by leading, trailing or doubled slashes.
func SplitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Resolve walks path from the root one browse call per segment. The walk
// stops at the first unmatched segment and returns a *ResolutionError;
// there is no partial result.
func (r *Resolver) Resolve(ctx context.Context, path []string) (NodeHandle, error) {
	current := r.root
	for _, segment := range path {
		refs, err := r.browser.Browse(ctx, current)
		if err != nil {
			return "", fmt.Errorf("browse %s: %w", current, err)
		}
		next, ok := findChild(refs, segment)
		if !ok {
			return "", &ResolutionError{Path: path, Segment: segment}
		}
		current = next
	}
	return current, nil
}

// ListChildren returns every child of h keyed by name, in one browse call.
// When two children share a name the later one wins, as in Resolve.
func (r *Resolver) ListChildren(ctx context.Context, h NodeHandle) (map[string]NodeHandle, error) {
	refs, err := r.browser.Browse(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", h, err)
	}
	children := make(map[string]NodeHandle, len(refs))
	for _, ref := range refs {
		children[ref.Name] = ref.Handle
	}
	return children, nil
}

// ResolveGroup resolves path and lists the children of the node it names.
func (r *Resolver) ResolveGroup(ctx context.Context, path string) (map[string]NodeHandle, error) {
	h, err := r.Resolve(ctx, SplitPath(path))
	if err != nil {
		return nil, err
	}
	return r.ListChildren(ctx, h)
}

// findChild returns the last reference named name.
func findChild(refs []Reference, name string) (NodeHandle, bool) {
	var (
		found NodeHandle
		ok    bool
	)
	for _, ref := range refs {
		if ref.Name == name {
			found, ok = ref.Handle, true
		}
	}
	return found, ok
}
