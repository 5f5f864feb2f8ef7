package media

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahub-io/wahub/internal/models"
)

func TestSaveAndOpen(t *testing.T) {
	store := NewMemStore()

	relPath, err := store.Save("msg_01ABC", models.TypeImage, "image/jpeg", []byte("jpegdata"))
	require.NoError(t, err)
	assert.Equal(t, "msg_01ABC.jpg", relPath)

	f, err := store.Open(relPath)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), data)
}

func TestSaveSanitizesID(t *testing.T) {
	store := NewMemStore()

	// WAHA message ids embed chat ids: false_15551234567@c.us_ABCDEF
	relPath, err := store.Save("false_15551234567@c.us_ABCDEF", models.TypeDocument, "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.NotContains(t, relPath, "@")
	assert.Equal(t, "false_15551234567_c.us_ABCDEF.pdf", relPath)

	_, err = store.Open(relPath)
	require.NoError(t, err)
}

func TestOpenMissing(t *testing.T) {
	store := NewMemStore()
	_, err := store.Open("nope.jpg")
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "jpg", ExtensionFor(models.TypeImage, "image/jpeg"))
	assert.Equal(t, "ogg", ExtensionFor(models.TypeAudio, "audio/ogg; codecs=opus"))
	assert.Equal(t, "docx", ExtensionFor(models.TypeDocument, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"))

	// unknown mime types fall back per media type
	assert.Equal(t, "jpg", ExtensionFor(models.TypeImage, "image/x-unknown"))
	assert.Equal(t, "mp4", ExtensionFor(models.TypeVideo, ""))
	assert.Equal(t, "webp", ExtensionFor(models.TypeSticker, ""))
	assert.Equal(t, "bin", ExtensionFor(models.TypeText, ""))
}
