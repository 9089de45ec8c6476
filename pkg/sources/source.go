// Package sources discovers raw certificate material and tags it with provenance.
package sources

import (
	"context"
	"fmt"
	"iter"

	"github.com/DrSkyle/certcheck/pkg/certs"
)

// Item is one piece of discovered certificate material, or a per-item failure.
type Item struct {
	Raw        []byte
	Provenance certs.Provenance
	// Err is set (to a *SourceUnavailable) when the handle could not be read.
	Err error
}

// Source is anything that can enumerate certificate material.
// Scan returns a finite, single-pass sequence.
type Source interface {
	Name() string
	Scan(ctx context.Context) iter.Seq[Item]
}

// AllHandles is the handle used when listing the handles themselves failed.
const AllHandles = "*"

// SourceUnavailable reports a deployment, load balancer or namespace that could not be read.
type SourceUnavailable struct {
	Scanner string
	Handle  string
	Err     error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("%s: %s unavailable: %v", e.Scanner, e.Handle, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }

func unavailable(scanner, handle string, err error) Item {
	return Item{Err: &SourceUnavailable{Scanner: scanner, Handle: handle, Err: err}}
}

// Unavailable is a source whose collaborator could not be reached at all.
// Its scan yields a single SourceUnavailable item for every handle.
func Unavailable(name string, err error) Source {
	return unreachable{name: name, err: err}
}

type unreachable struct {
	name string
	err  error
}

func (u unreachable) Name() string { return u.name }

func (u unreachable) Scan(context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		yield(unavailable(u.name, AllHandles, u.err))
	}
}
