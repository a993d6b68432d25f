package yoloprep

import (
	"bytes"
	"encoding/binary"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DefaultJPEGQuality is used when an ArtifactWriter has no explicit quality.
const DefaultJPEGQuality = 90

// JPEG markers used when carrying metadata over.
const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerEOI    = 0xD9
	markerSOS    = 0xDA
	markerAPP1   = 0xE1
	markerTEM    = 0x01
	markerRST0   = 0xD0
	markerRST7   = 0xD7
)

var exifHeader = []byte("Exif\x00\x00")

// decodeImage decodes the encoded image in data. The EXIF orientation is not applied, as the
// original EXIF block is stored alongside the pixels.
func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer file.Close()

	return image.DecodeConfig(file)
}

// encodeImage encodes img as PNG, GIF, TIFF, BMP or JPEG, depending on the file extension of path
// (JPEG for unknown extensions). For JPEG outputs a non-empty exif APP1 segment is inserted
// directly after the start of image marker.
func encodeImage(path string, img image.Image, jpegQuality int, exif []byte) ([]byte, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		format = imaging.JPEG
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, err
	}
	enc := buf.Bytes()

	if format != imaging.JPEG || len(exif) == 0 {
		return enc, nil
	}
	if len(enc) < 2 || enc[0] != markerPrefix || enc[1] != markerSOI {
		return nil, errors.New("encoder produced a JPEG without start of image marker")
	}
	out := make([]byte, 0, len(enc)+len(exif))
	out = append(out, enc[:2]...)
	out = append(out, exif...)
	out = append(out, enc[2:]...)

	return out, nil
}

// saveImage encodes img for path and writes it atomically. exif may be nil for a metadata-less
// save.
func saveImage(path string, img image.Image, jpegQuality int, exif []byte) error {
	enc, err := encodeImage(path, img, jpegQuality, exif)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, enc, 0644)
}

// extractEXIF returns the complete EXIF APP1 segment (marker, length and payload) of the JPEG in
// data, or nil if data is not a JPEG or carries no EXIF block.
func extractEXIF(data []byte) []byte {
	if len(data) < 4 || data[0] != markerPrefix || data[1] != markerSOI {
		return nil
	}

	for i := 2; i+4 <= len(data); {
		if data[i] != markerPrefix {
			return nil
		}
		marker := data[i+1]
		switch {
		case marker == markerPrefix: // Fill byte.
			i++
			continue
		case marker == markerTEM || (marker >= markerRST0 && marker <= markerRST7):
			i += 2
			continue
		case marker == markerSOS || marker == markerEOI:
			// Metadata segments precede the scan data.
			return nil
		}

		length := int(binary.BigEndian.Uint16(data[i+2 : i+4])) // Includes the length bytes.
		end := i + 2 + length
		if length < 2 || end > len(data) {
			return nil
		}
		if marker == markerAPP1 && bytes.HasPrefix(data[i+4:end], exifHeader) {
			segment := make([]byte, end-i)
			copy(segment, data[i:end])
			return segment
		}
		i = end
	}

	return nil
}
