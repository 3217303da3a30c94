// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"testing"
)

func countingGen(n int, terminal any) Generator {
	return Generate(func(ctx context.Context, yield func(any) error) (any, error) {
		for i := 1; i <= n; i++ {
			if err := yield(i); err != nil {
				return nil, err
			}
		}
		return terminal, nil
	})
}

func TestGenerate_YieldsThenTerminates(t *testing.T) {
	g := countingGen(3, "done")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		v, done, err := g.Next(ctx)
		if err != nil || done {
			t.Fatalf("step %d: unexpected (%v, %v)", i, done, err)
		}
		if v != i {
			t.Fatalf("step %d: expected %d, got %v", i, i, v)
		}
	}

	v, done, err := g.Next(ctx)
	if err != nil || !done {
		t.Fatalf("expected terminal step, got (%v, %v)", done, err)
	}
	if v != "done" {
		t.Fatalf("expected terminal value, got %v", v)
	}

	// Past the end the generator stays exhausted.
	if _, done, _ := g.Next(ctx); !done {
		t.Fatal("exhausted generator produced another value")
	}
}

func TestGenerate_ReturnFinishesEarly(t *testing.T) {
	g := countingGen(100, nil)
	ctx := context.Background()
	if _, _, err := g.Next(ctx); err != nil {
		t.Fatalf("first next failed: %v", err)
	}

	v, done, err := g.Return(ctx, 42)
	if err != nil || !done || v != 42 {
		t.Fatalf("expected (42, true, nil), got (%v, %v, %v)", v, done, err)
	}
	if _, done, _ := g.Next(ctx); !done {
		t.Fatal("generator still running after Return")
	}
}

func TestGenerate_ThrowSurfacesError(t *testing.T) {
	g := countingGen(100, nil)
	cause := errors.New("aborted")
	_, done, err := g.Throw(context.Background(), cause)
	if !done || !errors.Is(err, cause) {
		t.Fatalf("expected thrown error, got (%v, %v)", done, err)
	}
}

func TestGenerate_ErrorFromBody(t *testing.T) {
	g := Generate(func(ctx context.Context, yield func(any) error) (any, error) {
		if err := yield("first"); err != nil {
			return nil, err
		}
		return nil, errors.New("body failed")
	})
	ctx := context.Background()

	if v, _, err := g.Next(ctx); err != nil || v != "first" {
		t.Fatalf("expected first value, got (%v, %v)", v, err)
	}
	_, done, err := g.Next(ctx)
	if !done || err == nil || err.Error() != "body failed" {
		t.Fatalf("expected body error on terminal step, got (%v, %v)", done, err)
	}
}
