package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret_StringMasksNonEmptyValue(t *testing.T) {
	s := Secret("my secret")
	assert.Equal(t, "*****", s.String())
	assert.Equal(t, "*****", fmt.Sprintf("%s", s))
	assert.Equal(t, "*****", fmt.Sprintf("%v", s))
}

func TestSecret_StringLeavesEmptyValueEmpty(t *testing.T) {
	s := Secret("")
	assert.Equal(t, "", s.String())
}

func TestSecret_GoStringMatchesString(t *testing.T) {
	s := Secret("another secret")
	assert.Equal(t, s.String(), s.GoString())
}
