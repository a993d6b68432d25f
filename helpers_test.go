package yoloprep

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// singleImageDoc is the end-to-end example document.
const singleImageDoc = `{
  "images": [
    {"id": 1, "file_name": "a.jpg", "width": 100, "height": 200, "flickr_url": "http://x/a.jpg"}
  ],
  "annotations": [
    {"image_id": 1, "category_id": 3, "bbox": [10, 20, 30, 40]}
  ]
}`

// twoImageDoc has two batches of one image each.
const twoImageDoc = `{
  "images": [
    {"id": 1, "file_name": "batch_1/one.jpg", "width": 64, "height": 32,
     "flickr_url": "http://img.test/one.jpg", "flickr_640_url": "http://img.test/one_640.jpg"},
    {"id": 2, "file_name": "batch_2/two.jpg", "width": 50, "height": 50,
     "flickr_url": "http://img.test/two.jpg", "flickr_640_url": "http://img.test/two_640.jpg"}
  ],
  "annotations": [
    {"id": 10, "image_id": 2, "category_id": 5, "bbox": [0, 0, 50, 50]},
    {"id": 11, "image_id": 1, "category_id": 1, "bbox": [0, 0, 32, 16]},
    {"id": 12, "image_id": 1, "category_id": 0, "bbox": [16, 8, 16, 8]}
  ],
  "categories": [
    {"id": 0, "name": "Bottle", "supercategory": "Plastic"},
    {"id": 1, "name": "Can", "supercategory": "Metal"},
    {"id": 5, "name": "Lid", "supercategory": "Plastic"}
  ]
}`

// writeTestFile writes content to dir/name, creating parent directories.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// loadTestStore parses doc into an AnnotationStore.
func loadTestStore(t *testing.T, doc string) *AnnotationStore {
	t.Helper()
	store, err := ParseAnnotationStore(bytes.NewReader([]byte(doc)))
	require.NoError(t, err)
	return store
}

// testJPEG encodes a solid w x h JPEG.
func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// testEXIFSegment builds a minimal APP1 EXIF segment with the given payload after the header.
func testEXIFSegment(payload []byte) []byte {
	body := append(append([]byte{}, exifHeader...), payload...)
	seg := []byte{markerPrefix, markerAPP1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(body)+2))
	return append(seg, body...)
}

// withEXIF inserts the segment right after the SOI marker of jpegData.
func withEXIF(jpegData, segment []byte) []byte {
	out := append([]byte{}, jpegData[:2]...)
	out = append(out, segment...)
	return append(out, jpegData[2:]...)
}

// fakeFetcher serves canned responses and counts calls per URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	failures  map[string]error
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]byte),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.failures[url]; ok {
		return nil, &FetchError{URL: url, Err: err}
	}
	if data, ok := f.responses[url]; ok {
		return data, nil
	}
	return nil, &FetchError{URL: url, StatusCode: 404, Err: os.ErrNotExist}
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}
