package broker

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseEntity(t *testing.T) {
	tests := []struct {
		in      string
		want    Entity
		wantErr bool
	}{
		{in: "orders", want: Entity{Name: "orders"}},
		{in: " /orders/ ", want: Entity{Name: "orders"}},
		{in: "events/audit", want: Entity{Name: "events", Subscription: "audit"}},
		{in: "events/Subscriptions/audit", want: Entity{Name: "events", Subscription: "audit"}},
		{in: "events/subscriptions/audit", want: Entity{Name: "events", Subscription: "audit"}},
		{in: "", wantErr: true},
		{in: "events/", want: Entity{Name: "events"}},
		{in: "events/Rules/audit", wantErr: true},
		{in: "a/b/c/d", wantErr: true},
		{in: "events//audit", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEntity(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntity: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestEntityPath(t *testing.T) {
	if got := (Entity{Name: "orders"}).Path(); got != "orders" {
		t.Fatalf("queue path=%q", got)
	}
	e := Entity{Name: "events", Subscription: "audit"}
	if got := e.Path(); got != "events/Subscriptions/audit" {
		t.Fatalf("subscription path=%q", got)
	}
	back, err := ParseEntity(e.Path())
	if err != nil || back != e {
		t.Fatalf("round trip: %+v, %v", back, err)
	}
}

func TestParseSubQueue(t *testing.T) {
	for in, want := range map[string]SubQueue{"": Active, "active": Active, "DLQ": DeadLetter, "dead-letter": DeadLetter} {
		got, err := ParseSubQueue(in)
		if err != nil || got != want {
			t.Fatalf("ParseSubQueue(%q)=%v, %v", in, got, err)
		}
	}
	if _, err := ParseSubQueue("deferred"); err == nil {
		t.Fatalf("expected error for unknown sub-queue")
	}
}

func TestIsSignal(t *testing.T) {
	if !IsSignal(fmt.Errorf("accept: %w", ErrNoSessionAvailable)) {
		t.Fatalf("wrapped routing signal not recognised")
	}
	if IsSignal(ErrTransportUnavailable) || IsSignal(errors.New("boom")) {
		t.Fatalf("transport faults are not signals")
	}
}

func TestCounts(t *testing.T) {
	c := Counts{Active: 3, DeadLetter: 2}
	if c.Total() != 5 || c.Of(Active) != 3 || c.Of(DeadLetter) != 2 {
		t.Fatalf("counts=%+v", c)
	}
}
