package app

import (
	"testing"
	"time"
)

func TestDiscountFailureKeys(t *testing.T) {
	keys := discountFailureKeys("cafepos:rate_limit", " op-7 ", " summer10 ")
	if keys[0] != "cafepos:rate_limit:discount_failures:operator:op-7" {
		t.Fatalf("unexpected operator key %q", keys[0])
	}
	if keys[1] != "cafepos:rate_limit:discount_failures:code:SUMMER10" {
		t.Fatalf("unexpected code key %q", keys[1])
	}
	if got := discountFailureKeys("p", "", "X")[0]; got != "p:discount_failures:operator:unknown" {
		t.Fatalf("unexpected key for a blank operator %q", got)
	}
}

func TestNewRedisDiscountAttemptGuardDefaults(t *testing.T) {
	g := NewRedisDiscountAttemptGuard(nil, " custom: ", 0)
	if g.prefix != "custom" || g.window != time.Minute {
		t.Fatalf("unexpected guard defaults prefix=%q window=%s", g.prefix, g.window)
	}
}

func TestParseAttemptReply(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    AttemptWindow
		wantErr bool
	}{
		{
			name: "no failures yet",
			raw:  []interface{}{int64(0), int64(-2), int64(0), int64(-2)},
			want: AttemptWindow{},
		},
		{
			name: "longest window wins",
			raw:  []interface{}{int64(3), int64(12_400), int64(1), int64(58_001)},
			want: AttemptWindow{OperatorFailures: 3, CodeFailures: 1, RetryAfterSeconds: 59},
		},
		{
			name: "counted key without ttl uses the window",
			raw:  []interface{}{int64(2), int64(-1), int64(0), int64(-2)},
			want: AttemptWindow{OperatorFailures: 2, RetryAfterSeconds: 60},
		},
		{name: "wrong shape", raw: []interface{}{int64(1), int64(1)}, wantErr: true},
		{name: "wrong type", raw: []interface{}{"1", int64(1), int64(0), int64(0)}, wantErr: true},
		{name: "not a list", raw: int64(1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAttemptReply(tt.raw, 60_000)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
