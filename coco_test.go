package yoloprep

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAnnotationStore(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "annotations.json", twoImageDoc)

	store, err := LoadAnnotationStore(path)
	require.NoError(t, err)

	require.Equal(t, 2, store.ImageCount())
	first := store.ImageAt(0)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "batch_1/one.jpg", first.FileName)
	assert.Equal(t, 64, first.Width)
	assert.Equal(t, 32, first.Height)
	assert.Equal(t, "http://img.test/one.jpg", first.SourceURL)
	assert.Equal(t, "http://img.test/one_640.jpg", first.AltURL)

	anns := store.AnnotationsFor(1)
	require.Len(t, anns, 2)
	assert.Equal(t, int64(11), anns[0].ID, "annotations keep document order")
	assert.Equal(t, int64(12), anns[1].ID)
	assert.Equal(t, [4]float64{16, 8, 16, 8}, anns[1].BBox)

	assert.Len(t, store.AnnotationsFor(2), 1)
	assert.Empty(t, store.AnnotationsFor(99))

	assert.Equal(t, map[int]string{0: "Bottle", 1: "Can", 5: "Lid"}, store.CategoryNames())
	assert.Len(t, store.Categories(), 3)
}

func TestParseAnnotationStore_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"not json", `{"images": [`, "invalid JSON"},
		{"missing images", `{"annotations": []}`, `missing "images"`},
		{"missing annotations", `{"images": []}`, `missing "annotations"`},
		{
			"duplicate file name",
			`{"images": [{"id": 1, "file_name": "a.jpg", "width": 1, "height": 1},
			             {"id": 2, "file_name": "a.jpg", "width": 1, "height": 1}], "annotations": []}`,
			"duplicate file_name",
		},
		{
			"line break in file name",
			`{"images": [{"id": 1, "file_name": "bad\nname.jpg", "width": 1, "height": 1},
			             {"id": 2, "file_name": "good.jpg", "width": 1, "height": 1}], "annotations": []}`,
			"line break",
		},
		{
			"escaping file name",
			`{"images": [{"id": 1, "file_name": "../../escaped.jpg", "width": 1, "height": 1}], "annotations": []}`,
			"not a relative path",
		},
		{
			"absolute file name",
			`{"images": [{"id": 1, "file_name": "/tmp/abs.jpg", "width": 1, "height": 1}], "annotations": []}`,
			"not a relative path",
		},
		{
			"zero width",
			`{"images": [{"id": 1, "file_name": "a.jpg", "width": 0, "height": 1}], "annotations": []}`,
			"invalid dimensions",
		},
		{
			"short bbox",
			`{"images": [], "annotations": [{"image_id": 1, "category_id": 1, "bbox": [1, 2, 3]}]}`,
			"want 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnnotationStore(strings.NewReader(tt.doc))
			require.Error(t, err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadAnnotationStore_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	_, err := LoadAnnotationStore(path)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, path, pe.Path)
}

func TestParseAnnotationStore_EmptyCollections(t *testing.T) {
	store := loadTestStore(t, `{"images": [], "annotations": []}`)
	assert.Equal(t, 0, store.ImageCount())
	assert.Empty(t, store.CategoryNames())
}
