package env

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
)

func TestGetEnvInt(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      string
		set        bool
		defaultVal int
		expected   int
	}{
		{name: "env variable exists and is valid", key: "TEST_INT", value: "123", set: true, defaultVal: 0, expected: 123},
		{name: "env variable exists but is invalid", key: "TEST_INT", value: "invalid", set: true, defaultVal: 99, expected: 99},
		{name: "env variable does not exist", key: "TEST_INT_MISSING", defaultVal: 4, expected: 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv(tc.key, tc.value)
			}
			result := GetEnvInt(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvInt(%s, %d) = %d, expected %d", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		value      string
		set        bool
		defaultVal time.Duration
		expected   time.Duration
	}{
		{name: "valid duration", value: "25ms", set: true, defaultVal: time.Second, expected: 25 * time.Millisecond},
		{name: "invalid duration", value: "soon", set: true, defaultVal: time.Second, expected: time.Second},
		{name: "unset", defaultVal: 10 * time.Millisecond, expected: 10 * time.Millisecond},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv("TEST_DURATION", tc.value)
			}
			result := GetEnvDuration("TEST_DURATION", tc.defaultVal, logger)
			if result != tc.expected {
				t.Errorf("GetEnvDuration() = %v, expected %v", result, tc.expected)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("TEST_BOOL", "true")
	if !GetEnvBool("TEST_BOOL", false, logger) {
		t.Errorf("GetEnvBool() = false, expected true")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if GetEnvBool("TEST_BOOL", false, logger) {
		t.Errorf("GetEnvBool() with invalid value = true, expected default false")
	}
}

func TestGetEnvString(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("TEST_STR", "hello")
	if got := GetEnvString("TEST_STR", "default", logger); got != "hello" {
		t.Errorf("GetEnvString() = %q, expected %q", got, "hello")
	}
	if got := GetEnvString("TEST_STR_MISSING", "default", logger); got != "default" {
		t.Errorf("GetEnvString() = %q, expected %q", got, "default")
	}
}

func TestGetEnvByteSize(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name     string
		value    string
		set      bool
		expected int64
	}{
		{name: "plain number", value: "131072", set: true, expected: 131072},
		{name: "IEC suffix", value: "128KiB", set: true, expected: 128 * 1024},
		{name: "SI suffix", value: "10MB", set: true, expected: 10 * 1000 * 1000},
		{name: "invalid", value: "lots", set: true, expected: 42},
		{name: "unset", expected: 42},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv("TEST_SIZE", tc.value)
			}
			if got := GetEnvByteSize("TEST_SIZE", 42, logger); got != tc.expected {
				t.Errorf("GetEnvByteSize() = %d, expected %d", got, tc.expected)
			}
		})
	}
}
