package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupEnvStringOr(t *testing.T) {
	assert.Equal(t, "hello", LookupEnvStringOr("fake_env", "hello"))
	t.Setenv("fake_env", "world")
	assert.Equal(t, "world", LookupEnvStringOr("fake_env", "hello"))
}

func TestLookupEnvIntOr(t *testing.T) {
	assert.Equal(t, 42, LookupEnvIntOr("fake_int_env", 42))
	t.Setenv("fake_int_env", "7")
	assert.Equal(t, 7, LookupEnvIntOr("fake_int_env", 42))
	t.Setenv("fake_int_env", "abc")
	assert.Panics(t, func() { LookupEnvIntOr("fake_int_env", 42) })
}

func TestLookupEnvBoolOr(t *testing.T) {
	assert.False(t, LookupEnvBoolOr("fake_bool_env", false))
	t.Setenv("fake_bool_env", "true")
	assert.True(t, LookupEnvBoolOr("fake_bool_env", false))
	t.Setenv("fake_bool_env", "yes")
	assert.Panics(t, func() { LookupEnvBoolOr("fake_bool_env", false) })
}
