package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/ferry/internal/utils"
)

func TestParseBatch(t *testing.T) {
	data := []byte(`
- link: https://example.com/a.zip
  name: archive.zip
- link: "  "
- link: s3://bucket/key.bin
`)
	sources, err := parseBatch(data)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, utils.SourceURL, sources[0].Kind)
	assert.Equal(t, "archive.zip", sources[0].SuggestedName)
	assert.Equal(t, utils.SourceS3, sources[1].Kind)
	assert.Empty(t, sources[1].SuggestedName)
}

func TestParseBatchRejectsEmpty(t *testing.T) {
	_, err := parseBatch([]byte("[]"))
	assert.Error(t, err)

	_, err = parseBatch([]byte("link: not-a-list"))
	assert.Error(t, err)
}
