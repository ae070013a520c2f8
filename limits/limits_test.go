package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateVideo(t *testing.T) {
	t.Run("accepts within limits", func(t *testing.T) {
		require.NoError(t, ValidateVideo("clip.mp4", MaxVideoBytes, MaxVideoDuration))
	})

	t.Run("rejects oversize", func(t *testing.T) {
		err := ValidateVideo("clip.mp4", MaxVideoBytes+1, time.Minute)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAttachmentTooLarge))
		assert.Contains(t, err.Error(), "clip.mp4")
	})

	t.Run("rejects overlong", func(t *testing.T) {
		err := ValidateVideo("clip.mp4", 1024, MaxVideoDuration+time.Second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVideoTooLong))
	})
}

func TestValidateDocument(t *testing.T) {
	require.NoError(t, ValidateDocument("report.pdf", MaxDocumentBytes))

	err := ValidateDocument("report.pdf", MaxDocumentBytes+1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttachmentTooLarge))
}
