package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/SteelMorgan/hhstream/internal/domain"
)

// FilterSink forwards only the hands matching a CEL expression.
// Variables: site, source_path, partial, line_count, body, hash.
type FilterSink struct {
	next HandSink
	expr string
	prog cel.Program
}

// NewFilterSink compiles expr. An empty expression returns next unchanged.
func NewFilterSink(next HandSink, expr string) (HandSink, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return next, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("site", cel.StringType),
		cel.Variable("source_path", cel.StringType),
		cel.Variable("partial", cel.BoolType),
		cel.Variable("line_count", cel.IntType),
		cel.Variable("body", cel.StringType),
		cel.Variable("hash", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid hand filter %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("hand filter %q must evaluate to bool, got %s", expr, out)
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter program: %w", err)
	}

	return &FilterSink{next: next, expr: expr, prog: prog}, nil
}

// Match reports whether the hand passes the filter
func (f *FilterSink) Match(hand *domain.Hand) (bool, error) {
	out, _, err := f.prog.Eval(map[string]any{
		"site":        hand.Site,
		"source_path": hand.SourcePath,
		"partial":     hand.Partial,
		"line_count":  int64(len(hand.Lines)),
		"body":        hand.Body(),
		"hash":        hand.Hash,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate hand filter: %w", err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// Write drops hands that do not match
func (f *FilterSink) Write(ctx context.Context, hand *domain.Hand) error {
	ok, err := f.Match(hand)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return f.next.Write(ctx, hand)
}

func (f *FilterSink) Flush(ctx context.Context) error {
	return f.next.Flush(ctx)
}

func (f *FilterSink) Close() error {
	return f.next.Close()
}
