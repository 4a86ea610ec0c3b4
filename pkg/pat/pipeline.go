package pat

import (
	"context"
	"runtime"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/fengjixuchui/IDASignMaker/pkg/relocmask"
)

// Generator runs extraction and encoding across a worker pool. Functions are
// independent of one another, so the only shared state is the read-only mask
// table; results are collected into an index-ordered buffer so the emitted
// stream always follows the original object-file function order regardless
// of completion order.
type Generator struct {
	table     *relocmask.Table
	machine   uint16
	bigEndian bool
	workers   int
}

// NewGenerator returns a generator for one object's machine and byte order.
// workers <= 0 selects GOMAXPROCS.
func NewGenerator(table *relocmask.Table, machine uint16, bigEndian bool, workers int) *Generator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Generator{
		table:     table,
		machine:   machine,
		bigEndian: bigEndian,
		workers:   workers,
	}
}

// Generate encodes every function into a pattern, in input order. Functions
// that cannot be signed (unsupported relocation, empty body, bad name
// offset) are skipped and recorded in the returned diagnostics; they never
// abort the run. Cancelling ctx stops scheduling further functions; patterns
// already encoded are still returned along with ctx's error so the caller
// can flush partial output.
func (g *Generator) Generate(ctx context.Context, funcs []FunctionRecord) ([]*Pattern, *Diagnostics, error) {
	diag := &Diagnostics{}
	results := make([]*Pattern, len(funcs))

	ext := NewExtractor(g.table, g.machine, g.bigEndian, diag)

	var eg errgroup.Group
	eg.SetLimit(g.workers)

scheduling:
	for i := range funcs {
		select {
		case <-ctx.Done():
			break scheduling
		default:
		}
		i := i
		fn := &funcs[i]
		eg.Go(func() error {
			data, mask, err := ext.Extract(fn)
			if err != nil {
				log.WithError(err).WithField("function", fn.Name).Warn("skipping function")
				diag.noteSkipped(fn.Name, err.Error())
				return nil
			}
			p, err := Encode(data, mask, fn.Publics, fn.ExternalRefs)
			if err != nil {
				log.WithError(err).WithField("function", fn.Name).Warn("skipping function")
				diag.noteSkipped(fn.Name, err.Error())
				return nil
			}
			results[i] = p
			diag.noteProcessed()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, diag, err
	}

	patterns := make([]*Pattern, 0, len(results))
	for _, p := range results {
		if p != nil {
			patterns = append(patterns, p)
		}
	}
	return patterns, diag, ctx.Err()
}
