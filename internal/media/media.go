package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/vincent-petithory/dataurl"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// DecodeDataURL unpacks a data: URL into its raw bytes and mime type.
func DecodeDataURL(s string) ([]byte, string, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("invalid data URL: %w", err)
	}
	return du.Data, du.ContentType(), nil
}

// KindForMime maps a mime type onto the message content type used for sends.
func KindForMime(mimeType string) models.ContentType {
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		return models.ContentImage
	case len(mimeType) >= 6 && mimeType[:6] == "audio/":
		return models.ContentAudio
	default:
		return models.ContentDocument
	}
}

// Thumbnail produces a small JPEG preview (longest side maxPx) for an image
// payload, used on provisional messages before the server URL exists.
func Thumbnail(data []byte, maxPx uint) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode image for thumbnail: %w", err)
	}
	thumb := resize.Thumbnail(maxPx, maxPx, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("could not encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
