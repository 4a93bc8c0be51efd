package imagemeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrUnknownFormat = errors.New("unknown image format")

// Info holds the sniffed format and pixel dimensions of an image.
type Info struct {
	Format string
	Width  int
	Height int
}

// Detect reads the format and dimensions from the header bytes without
// decoding pixel data. Supports JPEG, PNG, GIF and WebP.
func Detect(data []byte) (Info, error) {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return detectJPEG(data)
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return detectPNG(data)
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return detectGIF(data)
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return detectWebP(data)
	}
	return Info{}, ErrUnknownFormat
}

func detectJPEG(data []byte) (Info, error) {
	// Walk the marker segments until a start-of-frame marker.
	i := 2
	for i+9 < len(data) {
		if data[i] != 0xFF {
			i++
			continue
		}
		marker := data[i+1]
		// Standalone markers carry no length.
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			i += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if isSOF(marker) {
			if i+9 >= len(data) {
				break
			}
			height := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			width := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			return Info{Format: "jpeg", Width: width, Height: height}, nil
		}
		i += 2 + segLen
	}
	return Info{}, fmt.Errorf("jpeg: no start-of-frame marker: %w", ErrUnknownFormat)
}

func isSOF(marker byte) bool {
	// SOF0..SOF15 excluding DHT (C4), JPG (C8) and DAC (CC).
	return marker >= 0xC0 && marker <= 0xCF && marker != 0xC4 && marker != 0xC8 && marker != 0xCC
}

func detectPNG(data []byte) (Info, error) {
	if len(data) < 24 || !bytes.Equal(data[12:16], []byte("IHDR")) {
		return Info{}, fmt.Errorf("png: truncated IHDR: %w", ErrUnknownFormat)
	}
	width := int(binary.BigEndian.Uint32(data[16:20]))
	height := int(binary.BigEndian.Uint32(data[20:24]))
	return Info{Format: "png", Width: width, Height: height}, nil
}

func detectGIF(data []byte) (Info, error) {
	if len(data) < 10 {
		return Info{}, fmt.Errorf("gif: truncated header: %w", ErrUnknownFormat)
	}
	width := int(binary.LittleEndian.Uint16(data[6:8]))
	height := int(binary.LittleEndian.Uint16(data[8:10]))
	return Info{Format: "gif", Width: width, Height: height}, nil
}

func detectWebP(data []byte) (Info, error) {
	if len(data) < 30 {
		return Info{}, fmt.Errorf("webp: truncated header: %w", ErrUnknownFormat)
	}
	chunk := string(data[12:16])
	switch chunk {
	case "VP8 ":
		// Lossy bitstream: 3-byte frame tag, 3-byte start code, then dims.
		if data[23] != 0x9D || data[24] != 0x01 || data[25] != 0x2A {
			return Info{}, fmt.Errorf("webp: bad VP8 start code: %w", ErrUnknownFormat)
		}
		width := int(binary.LittleEndian.Uint16(data[26:28]) & 0x3FFF)
		height := int(binary.LittleEndian.Uint16(data[28:30]) & 0x3FFF)
		return Info{Format: "webp", Width: width, Height: height}, nil
	case "VP8L":
		if data[20] != 0x2F {
			return Info{}, fmt.Errorf("webp: bad VP8L signature: %w", ErrUnknownFormat)
		}
		bits := binary.LittleEndian.Uint32(data[21:25])
		width := int(bits&0x3FFF) + 1
		height := int((bits>>14)&0x3FFF) + 1
		return Info{Format: "webp", Width: width, Height: height}, nil
	case "VP8X":
		width := int(uint32(data[24])|uint32(data[25])<<8|uint32(data[26])<<16) + 1
		height := int(uint32(data[27])|uint32(data[28])<<8|uint32(data[29])<<16) + 1
		return Info{Format: "webp", Width: width, Height: height}, nil
	}
	return Info{}, fmt.Errorf("webp: unsupported chunk %q: %w", chunk, ErrUnknownFormat)
}

// Ext returns the canonical file extension for a sniffed format.
func (i Info) Ext() string {
	switch i.Format {
	case "jpeg":
		return ".jpg"
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "webp":
		return ".webp"
	}
	return ""
}

// LongEdge returns the larger of width and height.
func (i Info) LongEdge() int {
	if i.Width > i.Height {
		return i.Width
	}
	return i.Height
}
