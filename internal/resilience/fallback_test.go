package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func stringGroup(maxFailures int) *Group[string] {
	return NewGroup(
		CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
		Member[string]{Name: "primary", Value: "primary"},
		Member[string]{Name: "secondary", Value: "secondary"},
	)
}

func TestDo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   map[string]bool
		wantValue string
		wantCalls []string
		wantAll   bool
	}{
		{
			name:      "primary succeeds",
			wantValue: "primary",
			wantCalls: []string{"primary"},
		},
		{
			name:      "fails over to secondary",
			failing:   map[string]bool{"primary": true},
			wantValue: "secondary",
			wantCalls: []string{"primary", "secondary"},
		},
		{
			name:      "all fail",
			failing:   map[string]bool{"primary": true, "secondary": true},
			wantCalls: []string{"primary", "secondary"},
			wantAll:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := stringGroup(3)
			var calls []string
			got, err := Do(context.Background(), g, func(v string) (string, error) {
				calls = append(calls, v)
				if tt.failing[v] {
					return "", errTest
				}
				return v, nil
			})

			if tt.wantAll {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantValue {
				t.Errorf("value = %q, want %q", got, tt.wantValue)
			}
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", calls, tt.wantCalls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Errorf("calls[%d] = %q, want %q", i, calls[i], tt.wantCalls[i])
				}
			}
		})
	}
}

func TestDo_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	g := stringGroup(2)
	failPrimary := func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		if _, err := Do(context.Background(), g, failPrimary); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if s := g.States()["primary"]; s != StateOpen {
		t.Fatalf("primary state = %v, want open", s)
	}

	var calls []string
	got, err := Do(context.Background(), g, func(v string) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" || len(calls) != 1 {
		t.Fatalf("got %q after calls %v, want secondary only", got, calls)
	}
}

func TestDo_StopsOnCancellation(t *testing.T) {
	t.Parallel()

	g := stringGroup(3)
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	_, err := Do(ctx, g, func(v string) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation must not be reported as ErrAllFailed")
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want primary only", calls)
	}
	if s := g.States()["primary"]; s != StateClosed {
		t.Errorf("primary state = %v, want closed", s)
	}
}

func TestGroup_Primary(t *testing.T) {
	t.Parallel()

	if got := stringGroup(1).Primary().Name; got != "primary" {
		t.Errorf("Primary().Name = %q, want primary", got)
	}
}
