package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPick(t *testing.T) {
	var out bytes.Buffer
	i, err := pick(strings.NewReader("2\n"), &out, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Contains(t, out.String(), "[1-3")

	i, err = pick(strings.NewReader("\n"), &out, 3)
	require.NoError(t, err)
	assert.Equal(t, -1, i)

	_, err = pick(strings.NewReader("7\n"), &out, 3)
	assert.Error(t, err)
}
