package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newHealthJobManager(t *testing.T) *JobManager {
	t.Helper()
	cfg := testConfig()
	return NewJobManager(nil, cfg, cfg.Coins[0], []byte{0x51})
}

func TestStratumHealth_NilManager(t *testing.T) {
	h := stratumHealthStatus(nil, time.Now())
	if h.Healthy || h.Reason != "no job manager" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestStratumHealth_NoJob(t *testing.T) {
	jm := newHealthJobManager(t)
	h := stratumHealthStatus(jm, time.Now())
	if h.Healthy || h.Reason != "no job template available" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestStratumHealth_FeedError(t *testing.T) {
	jm := newHealthJobManager(t)
	jm.lastErr = errors.New("getblocktemplate: connection refused")

	h := stratumHealthStatus(jm, time.Now())
	if h.Healthy || h.Reason != "node/job feed error" {
		t.Fatalf("unexpected health %+v", h)
	}
	if !strings.Contains(h.Detail, "connection refused") {
		t.Fatalf("detail should carry the feed error, got %q", h.Detail)
	}
}

func TestStratumHealth_FeedErrorWithJob(t *testing.T) {
	jm := newHealthJobManager(t)
	jm.curJob = newTestJob(t, nil)
	jm.lastErr = errors.New("timeout")

	h := stratumHealthStatus(jm, time.Now())
	if h.Healthy || h.Reason != "node/job feed error" {
		t.Fatalf("a live job does not excuse a failing feed: %+v", h)
	}
}

func TestStratumHealth_Stalled(t *testing.T) {
	jm := newHealthJobManager(t)
	now := time.Now()
	job := newTestJob(t, nil)
	job.CreatedAt = now.Add(-10 * time.Minute)
	jm.curJob = job
	jm.lastJobSuccess = now.Add(-10 * time.Minute)

	h := stratumHealthStatus(jm, now)
	if h.Healthy || h.Reason != "node/job updates stalled" {
		t.Fatalf("unexpected health %+v", h)
	}
	if !strings.Contains(h.Detail, "ago") {
		t.Fatalf("detail should say how long ago: %q", h.Detail)
	}
}

func TestStratumHealth_Healthy(t *testing.T) {
	jm := newHealthJobManager(t)
	now := time.Now()
	job := newTestJob(t, nil)
	job.CreatedAt = now.Add(-30 * time.Second)
	jm.curJob = job
	jm.lastJobSuccess = now.Add(-30 * time.Second)

	h := stratumHealthStatus(jm, now)
	if !h.Healthy {
		t.Fatalf("expected healthy, got %+v", h)
	}
}

func TestHumanShortDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "just now"},
		{-300 * time.Millisecond, "just now"},
		{time.Second, "1 second"},
		{90 * time.Second, "1 minute 30 seconds"},
		{26 * time.Hour, "1 day 2 hours"},
	}
	for _, tt := range tests {
		if got := humanShortDuration(tt.in); got != tt.want {
			t.Fatalf("humanShortDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
