package imagemeta

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// ResizeToEdge scales the image down so its long edge is at most longEdge,
// re-encoding as JPEG. Images already within bounds are returned unchanged.
func ResizeToEdge(data []byte, longEdge int, quality int) ([]byte, error) {
	info, err := Detect(data)
	if err == nil && info.LongEdge() <= longEdge {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	resized := imaging.Fit(img, longEdge, longEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
