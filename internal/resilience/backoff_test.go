package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnectConfig_Delay(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{5, 500 * time.Millisecond},
		{0, 100 * time.Millisecond}, // clamped to the first attempt
	}

	for _, c := range cases {
		if got := cfg.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := Reconnect(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("still down")
		}
		return nil
	}, cfg, nil)

	if err != nil {
		t.Fatalf("Reconnect() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestReconnect_ExhaustsAttempts(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Reconnect(context.Background(), func() error {
		calls++
		return errors.New("permanently down")
	}, cfg, nil)

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls)
	}
}

func TestReconnect_LinearSchedule(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	var delays []time.Duration
	_ = Reconnect(context.Background(), func() error {
		return errors.New("down")
	}, cfg, func(attempt int, delay time.Duration) {
		delays = append(delays, delay)
	})

	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("Expected %d attempts, got %d", len(want), len(delays))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("Attempt %d scheduled with delay %v, want %v", i+1, delays[i], want[i])
		}
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 10, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Reconnect(ctx, func() error { return errors.New("down") }, cfg, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
