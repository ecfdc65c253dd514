package attachments

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liaisonhq/liaison/pkg/errdefs"
)

func TestDecodeFiles(t *testing.T) {
	files, err := DecodeFiles([]InboundFile{
		{Filename: "note.txt", Content: base64.StdEncoding.EncodeToString([]byte("hello"))},
	}, 1<<20)

	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "note.txt", files[0].Filename)
	assert.Equal(t, []byte("hello"), files[0].Content)
}

func TestDecodeFilesErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   []InboundFile
		maxSize int64
		check   func(error) bool
	}{
		{
			name:    "empty content",
			files:   []InboundFile{{Filename: "x"}},
			maxSize: 1 << 20,
			check:   errdefs.IsValidation,
		},
		{
			name:    "invalid base64",
			files:   []InboundFile{{Filename: "x", Content: "not base64!!!"}},
			maxSize: 1 << 20,
			check:   errdefs.IsValidation,
		},
		{
			name:    "oversized",
			files:   []InboundFile{{Filename: "x", Content: base64.StdEncoding.EncodeToString(make([]byte, 100))}},
			maxSize: 10,
			check:   errdefs.IsAttachment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFiles(tt.files, tt.maxSize)
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

func TestDecodeFilesDefaultsFilename(t *testing.T) {
	files, err := DecodeFiles([]InboundFile{
		{Content: base64.StdEncoding.EncodeToString([]byte("x"))},
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, "attachment", files[0].Filename)
}
