package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestOptions(t *testing.T) {
	defer func(old []string) { headerFlags = old }(headerFlags)
	headerFlags = []string{"Accept: application/json", "X-Trace:abc"}
	opts, err := requestOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	headerFlags = []string{"no-colon"}
	_, err = requestOptions()
	assert.Error(t, err)
}

func TestReadBody(t *testing.T) {
	body, err := readBody(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	body, err = readBody("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "from file", string(body))

	_, err = readBody("@" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
