package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetenvReturnsSetValue(t *testing.T) {
	t.Setenv("FLEET_UTIL_TEST_KEY", "configured")
	assert.Equal(t, "configured", Getenv("FLEET_UTIL_TEST_KEY", "fallback"))
}

func TestGetenvFallsBackWhenUnset(t *testing.T) {
	assert.Equal(t, "fallback", Getenv("FLEET_UTIL_TEST_MISSING", "fallback"))
}

func TestGetenvReturnsEmptySetValue(t *testing.T) {
	t.Setenv("FLEET_UTIL_TEST_EMPTY", "")
	assert.Equal(t, "", Getenv("FLEET_UTIL_TEST_EMPTY", "fallback"))
}
