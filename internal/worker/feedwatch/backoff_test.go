package feedwatch

import (
	"testing"
	"time"
)

func TestClassifyFeedStatus(t *testing.T) {
	tests := []struct {
		status int
		want   pollOutcome
	}{
		{200, pollParse},
		{304, pollUnchanged},
		{404, pollMisconfigured},
		{410, pollMisconfigured},
		{401, pollMisconfigured},
		{403, pollMisconfigured},
		{429, pollThrottled},
		{500, pollThrottled},
		{503, pollThrottled},
		{302, pollUnexpected},
		{418, pollUnexpected},
	}
	for _, tt := range tests {
		if got := classifyFeedStatus(tt.status); got != tt.want {
			t.Errorf("classifyFeedStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{-1, 15 * time.Minute},
		{0, 15 * time.Minute},
		{1, 30 * time.Minute},
		{2, time.Hour},
		{4, 4 * time.Hour},
		{5, 6 * time.Hour},
		{20, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.failures); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
