package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"

	"shelfscan/pkg/config"
	"shelfscan/pkg/context"
)

func TestForEachVisitsEveryItem(t *testing.T) {
	for _, cores := range []int{1, 4} {
		cfg := config.Default()
		cfg.Cores = cores
		ctx := context.NewContext(cfg, nil)

		var sum atomic.Int64
		items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		err := ForEach(ctx, items, func(_ int, item int) error {
			sum.Add(int64(item))
			return nil
		})
		if err != nil {
			t.Fatalf("cores=%d: ForEach: %v", cores, err)
		}
		if sum.Load() != 55 {
			t.Errorf("cores=%d: sum = %d, want 55", cores, sum.Load())
		}
	}
}

func TestForEachReturnsError(t *testing.T) {
	cfg := config.Default()
	cfg.Cores = 3
	want := errors.New("bad item")
	err := ForEach(context.NewContext(cfg, nil), []int{1, 2, 3}, func(_ int, item int) error {
		if item == 2 {
			return want
		}
		return nil
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestMapPreservesOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Cores = 4
	out, err := Map(context.NewContext(cfg, nil), []string{"a", "bb", "ccc"}, func(s string) (int, error) {
		return len(s), nil
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	for i, want := range []int{1, 2, 3} {
		if out[i] != want {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want)
		}
	}
}

func TestNilContextRunsSequentially(t *testing.T) {
	var n int
	if err := ForEach[int](nil, []int{1, 2}, func(int, int) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
	if _, err := Map(nil, []int{}, func(i int) (int, error) { return i, nil }); err == nil {
		t.Errorf("expected an error mapping an empty slice")
	}
}
