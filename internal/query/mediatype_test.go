package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMediaTypePrefixes(t *testing.T) {
	assert.Equal(t, []string{"image/"}, MediaTypePrefixes(FileTypeImage))
	assert.Equal(t, []string{"image/", "video/"}, MediaTypePrefixes(FileTypeImage, FileTypeVideo, FileTypeImage))
	assert.Empty(t, MediaTypePrefixes())
	assert.Contains(t, MediaTypePrefixes(FileTypeDocument), "application/pdf")
}

func TestClassifyMediaType(t *testing.T) {
	cases := map[string]FileType{
		"application/pdf": FileTypeDocument,
		"text/plain":      FileTypeDocument,
		"text/csv":        FileTypeSpreadsheet,
		"Image/PNG":       FileTypeImage,
		"video/mp4":       FileTypeVideo,
		"audio/mpeg":      FileTypeAudio,
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": FileTypePresentation,
	}
	for mediaType, want := range cases {
		got, ok := ClassifyMediaType(mediaType)
		assert.True(t, ok, mediaType)
		assert.Equal(t, want, got, mediaType)
	}

	_, ok := ClassifyMediaType("application/zip")
	assert.False(t, ok)
}
