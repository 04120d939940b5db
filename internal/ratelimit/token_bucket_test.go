package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, _, err := limiter.AllowUpload(ctx, "user-1")
	if err != nil || !allowed {
		t.Fatalf("expected first upload allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.AllowUpload(ctx, "user-1")
	if !allowed {
		t.Fatalf("expected second upload allowed")
	}
	allowed, _, _ = limiter.AllowUpload(ctx, "user-1")
	if allowed {
		t.Fatalf("expected third upload rejected")
	}

	// Buckets are per user: another caller has a full budget.
	allowed, _, _ = limiter.AllowUpload(ctx, "user-2")
	if !allowed {
		t.Fatalf("expected separate user to be allowed")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// script receives time from Go's time.Now(), not Redis's internal clock.
}

func TestParseBucketReply(t *testing.T) {
	tests := []struct {
		name      string
		reply     interface{}
		allowed   bool
		remaining float64
		wantErr   bool
	}{
		{"allowed with fractional tokens", []interface{}{int64(1), "3.5"}, true, 3.5, false},
		{"rejected", []interface{}{int64(0), "0"}, false, 0, false},
		{"integer remainder", []interface{}{int64(1), int64(4)}, true, 4, false},
		{"not an array", "OK", false, 0, true},
		{"too short", []interface{}{int64(1)}, false, 0, true},
		{"non-integer flag", []interface{}{"yes", "1"}, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, remaining, err := parseBucketReply(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if allowed != tt.allowed || remaining != tt.remaining {
				t.Fatalf("got allowed=%v remaining=%v, want %v/%v", allowed, remaining, tt.allowed, tt.remaining)
			}
		})
	}
}
