package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(v uint8) *uint8 { return &v }

func TestMinOr(t *testing.T) {
	assert.Equal(t, uint8(0), MinOr(nil, nil, 0))
	assert.Equal(t, uint8(42), MinOr(nil, nil, 42))
	assert.Equal(t, uint8(30), MinOr(ptr(30), nil, 0))
	assert.Equal(t, uint8(30), MinOr(nil, ptr(30), 0))
	assert.Equal(t, uint8(25), MinOr(ptr(25), ptr(90), 0))
	assert.Equal(t, uint8(25), MinOr(ptr(90), ptr(25), 0))
}

func TestFormatLevel(t *testing.T) {
	assert.Equal(t, "--", FormatLevel(nil))
	assert.Equal(t, "0%", FormatLevel(ptr(0)))
	assert.Equal(t, "85%", FormatLevel(ptr(85)))
}
