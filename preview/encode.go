package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"camera-core-server/framebus"
)

// encodeJPEG turns a bus frame into JPEG bytes. MJPEG payloads pass
// through untouched; bgr24 payloads are converted and encoded.
func encodeJPEG(f framebus.Frame, quality int) ([]byte, error) {
	if f.PixFmt == "mjpeg" {
		return f.Payload, nil
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Payload) < f.Width*f.Height*3 {
		return nil, fmt.Errorf("malformed frame %dx%d with %d bytes", f.Width, f.Height, len(f.Payload))
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := f.Payload
	dst := img.Pix
	for i, j := 0, 0; i < f.Width*f.Height*3; i, j = i+3, j+4 {
		dst[j+0] = src[i+2]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+0]
		dst[j+3] = 0xFF
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	heartbeatOnce sync.Once
	heartbeatData []byte
)

// heartbeatJPEG is the keep-alive part payload used when no last-known
// frame exists yet: a single gray pixel.
func heartbeatJPEG() []byte {
	heartbeatOnce.Do(func() {
		img := image.NewGray(image.Rect(0, 0, 1, 1))
		img.SetGray(0, 0, color.Gray{Y: 0x80})
		var buf bytes.Buffer
		_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60})
		heartbeatData = buf.Bytes()
	})
	return heartbeatData
}
