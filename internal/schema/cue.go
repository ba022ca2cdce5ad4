package schema

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/homesync/internal/state"
)

// CUE validates payloads against a CUE schema.
//
// The payload is unified with the schema; the result must be concrete. The
// validated form is the decoded unification, so schema defaults and
// constraints narrowing a type are reflected in what the handler receives.
//
// A cue.Context is not safe for concurrent use, so Validate serializes
// evaluations on one CUE instance.
type CUE struct {
	mu     sync.Mutex
	source string
	cctx   *cue.Context
	schema cue.Value
}

// CUEOption configures CompileCUE.
type CUEOption func(*cueConfig)

type cueConfig struct {
	path     string
	filename string
}

// WithPath selects a path inside the compiled source as the schema, e.g.
// "#SetBrightness" when one file declares several definitions.
func WithPath(path string) CUEOption {
	return func(c *cueConfig) { c.path = path }
}

// WithFilename names the source in error positions.
func WithFilename(name string) CUEOption {
	return func(c *cueConfig) { c.filename = name }
}

// CompileCUE compiles source into a validator.
func CompileCUE(source string, opts ...CUEOption) (*CUE, error) {
	cfg := cueConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	cctx := cuecontext.New()
	var buildOpts []cue.BuildOption
	if cfg.filename != "" {
		buildOpts = append(buildOpts, cue.Filename(cfg.filename))
	}
	v := cctx.CompileString(source, buildOpts...)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}
	if cfg.path != "" {
		v = v.LookupPath(cue.ParsePath(cfg.path))
		if !v.Exists() {
			return nil, fmt.Errorf("compile schema: path %q not found", cfg.path)
		}
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
		}
	}
	return &CUE{source: source, cctx: cctx, schema: v}, nil
}

// MustCUE is CompileCUE for schemas fixed at setup time.
func MustCUE(source string, opts ...CUEOption) *CUE {
	v, err := CompileCUE(source, opts...)
	if err != nil {
		panic(err)
	}
	return v
}

// LoadCUEFile compiles the schema stored at path.
func LoadCUEFile(path string, opts ...CUEOption) (*CUE, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	opts = append([]CUEOption{WithFilename(path)}, opts...)
	return CompileCUE(string(data), opts...)
}

// Validate implements Validator.
func (c *CUE) Validate(ctx context.Context, data state.Value) (state.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.cctx.Encode(state.ToAny(data))
	if err := in.Err(); err != nil {
		return nil, &Error{Message: fmt.Sprintf("encode payload: %v", err)}
	}

	unified := c.schema.Unify(in)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, toSchemaError(err)
	}

	var out any
	if err := unified.Decode(&out); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decode validated payload: %v", err)}
	}
	return state.FromAny(out)
}

// Source returns the schema source text.
func (c *CUE) Source() string {
	return c.source
}

// toSchemaError reduces a CUE error list to one *Error carrying the first
// violation's path and every message.
func toSchemaError(err error) *Error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}
	return &Error{
		Path:    strings.Join(errs[0].Path(), "."),
		Message: strings.Join(msgs, "; "),
	}
}

// formatCUEError keeps the first CUE error and its source position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 && positions[0].IsValid() {
		pos := positions[0]
		return fmt.Errorf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), first.Error())
	}
	return first
}
