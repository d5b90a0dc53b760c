package utils

import (
	"testing"
	"time"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{
			name:     "bytes",
			bytes:    500,
			expected: "500 B",
		},
		{
			name:     "kilobytes",
			bytes:    1500,
			expected: "1.5 kB",
		},
		{
			name:     "megabytes",
			bytes:    1500000,
			expected: "1.5 MB",
		},
		{
			name:     "gigabytes",
			bytes:    1500000000,
			expected: "1.5 GB",
		},
		{
			name:     "zero bytes",
			bytes:    0,
			expected: "0 B",
		},
		{
			name:     "negative clamps to zero",
			bytes:    -10,
			expected: "0 B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatSize(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatSize(%d) = %s; want %s", tt.bytes, result, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{0, "00:00:00"},
		{1500 * time.Millisecond, "00:00:02"},
		{61 * time.Minute, "01:01:00"},
		{25*time.Hour + 3*time.Second, "25:00:03"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.expected {
			t.Errorf("FormatDuration(%s) = %s; want %s", tt.in, got, tt.expected)
		}
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		in       float64
		expected string
	}{
		{51.5074, "51.5074"},
		{-0.1278, "-0.1278"},
		{65, "65"},
		{0, "0"},
	}

	for _, tt := range tests {
		if got := FormatDecimal(tt.in); got != tt.expected {
			t.Errorf("FormatDecimal(%v) = %s; want %s", tt.in, got, tt.expected)
		}
	}
}

func TestFormatAgoNever(t *testing.T) {
	if got := FormatAgo(nil); got != "never" {
		t.Errorf("FormatAgo(nil) = %s; want never", got)
	}
}
