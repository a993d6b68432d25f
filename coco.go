package yoloprep

// COCO annotation document loading and indexing.

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ImageRecord is a single entry of the COCO "images" collection.
type ImageRecord struct {
	ID        int64  `json:"id"`
	FileName  string `json:"file_name"`      // Relative path, unique within the store.
	Width     int    `json:"width"`          // Pixels, > 0.
	Height    int    `json:"height"`         // Pixels, > 0.
	SourceURL string `json:"flickr_url"`     // The original resolution image.
	AltURL    string `json:"flickr_640_url"` // A resized rendition, longer side 640px.
}

// AnnotationRecord is a single entry of the COCO "annotations" collection.
type AnnotationRecord struct {
	ID         int64      `json:"id"`
	ImageID    int64      `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"-"` // Absolute x, y, width, height from the top-left corner.
}

// Category is a single entry of the optional COCO "categories" collection.
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

// cocoAnnotation is the wire form of AnnotationRecord; bbox is validated before conversion.
type cocoAnnotation struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	CategoryID int       `json:"category_id"`
	BBox       []float64 `json:"bbox"`
}

// cocoDocument is the subset of the COCO format that is read. The collections are pointers to
// tell a missing collection from an empty one.
type cocoDocument struct {
	Images      *[]ImageRecord    `json:"images"`
	Annotations *[]cocoAnnotation `json:"annotations"`
	Categories  []Category        `json:"categories"`
}

// AnnotationStore is a read-only, indexed view of a COCO annotation document.
type AnnotationStore struct {
	images      []ImageRecord
	annotations []AnnotationRecord
	byImage     map[int64][]int // Image ID to indices into annotations, in source order.
	categories  []Category
}

// LoadAnnotationStore reads and indexes the COCO document at path.
//
// All failures, including a missing file, are returned as *ParseError.
func LoadAnnotationStore(path string) (*AnnotationStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	store, err := ParseAnnotationStore(f)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return store, nil
}

// ParseAnnotationStore parses a COCO document from r.
func ParseAnnotationStore(r io.Reader) (*AnnotationStore, error) {
	var doc cocoDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Err: errors.Wrap(err, "invalid JSON")}
	}
	if doc.Images == nil {
		return nil, &ParseError{Err: errors.New(`missing "images" collection`)}
	}
	if doc.Annotations == nil {
		return nil, &ParseError{Err: errors.New(`missing "annotations" collection`)}
	}

	s := &AnnotationStore{
		images:      *doc.Images,
		annotations: make([]AnnotationRecord, 0, len(*doc.Annotations)),
		byImage:     make(map[int64][]int, len(*doc.Images)),
		categories:  doc.Categories,
	}

	// Validate the images.
	fileNames := make(map[string]struct{}, len(s.images))
	for i, img := range s.images {
		if img.FileName == "" {
			return nil, &ParseError{Err: fmt.Errorf("image %d (index %d) has no file_name", img.ID, i)}
		}
		if err := checkFileName(img.FileName); err != nil {
			return nil, &ParseError{Err: errors.Wrapf(err, "image %d (index %d)", img.ID, i)}
		}
		if _, dup := fileNames[img.FileName]; dup {
			return nil, &ParseError{Err: fmt.Errorf("duplicate file_name %q", img.FileName)}
		}
		fileNames[img.FileName] = struct{}{}
		if img.Width <= 0 || img.Height <= 0 {
			return nil, &ParseError{Err: fmt.Errorf("image %q has invalid dimensions %dx%d",
				img.FileName, img.Width, img.Height)}
		}
	}

	// Convert the annotations and build the image ID index.
	for i, a := range *doc.Annotations {
		if len(a.BBox) != 4 {
			return nil, &ParseError{Err: fmt.Errorf("annotation %d (index %d) has %d bbox values, want 4",
				a.ID, i, len(a.BBox))}
		}
		rec := AnnotationRecord{ID: a.ID, ImageID: a.ImageID, CategoryID: a.CategoryID}
		copy(rec.BBox[:], a.BBox)

		s.byImage[a.ImageID] = append(s.byImage[a.ImageID], len(s.annotations))
		s.annotations = append(s.annotations, rec)
	}

	return s, nil
}

// ImageCount returns the number of images in the store.
func (s *AnnotationStore) ImageCount() int {
	return len(s.images)
}

// ImageAt returns the image at index i, in document order. It panics if i is out of range.
func (s *AnnotationStore) ImageAt(i int) ImageRecord {
	return s.images[i]
}

// AnnotationsFor returns the annotations of the image with the given ID, in document order.
func (s *AnnotationStore) AnnotationsFor(imageID int64) []AnnotationRecord {
	idx := s.byImage[imageID]
	if len(idx) == 0 {
		return nil
	}
	out := make([]AnnotationRecord, len(idx))
	for i, j := range idx {
		out[i] = s.annotations[j]
	}
	return out
}

// Categories returns the document's categories, possibly empty.
func (s *AnnotationStore) Categories() []Category {
	return s.categories
}

// CategoryNames maps category IDs to names.
func (s *AnnotationStore) CategoryNames() map[int]string {
	names := make(map[int]string, len(s.categories))
	for _, c := range s.categories {
		names[c.ID] = c.Name
	}
	return names
}

// checkFileName rejects file names that cannot be stored below the output directory or recorded
// as a single ledger line.
func checkFileName(name string) error {
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("file_name %q contains a line break", name)
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("file_name %q is not a relative path below the output directory", name)
	}
	return nil
}
