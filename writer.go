package yoloprep

// Materialization of a single (image, label file) artifact pair.

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Output subdirectories below the output directory.
const (
	ImagesDirName = "images"
	LabelsDirName = "labels"
)

// ArtifactWriter writes the image and the YOLO label file for one ImageRecord.
//
// Images are fetched only if absent on disk and are never overwritten. Label files are always
// regenerated from the current annotations, so annotation fixes propagate without re-fetching.
type ArtifactWriter struct {
	OutputDir   string
	Fetcher     Fetcher
	JPEGQuality int  // Zero uses DefaultJPEGQuality.
	PreferAlt   bool // Fetch AltURL (the resized rendition) instead of SourceURL.
	Logger      logrus.FieldLogger
}

// NewArtifactWriter creates an ArtifactWriter for outputDir using fetcher.
func NewArtifactWriter(outputDir string, fetcher Fetcher) *ArtifactWriter {
	return &ArtifactWriter{
		OutputDir:   outputDir,
		Fetcher:     fetcher,
		JPEGQuality: DefaultJPEGQuality,
		Logger:      logrus.StandardLogger(),
	}
}

// ImagePath returns the local path of the image file for fileName.
func (w *ArtifactWriter) ImagePath(fileName string) string {
	return filepath.Join(w.OutputDir, ImagesDirName, filepath.FromSlash(fileName))
}

// LabelPath returns the local path of the label file for the image fileName.
func (w *ArtifactWriter) LabelPath(fileName string) string {
	return filepath.Join(w.OutputDir, LabelsDirName, filepath.FromSlash(labelFileName(fileName)))
}

// Write materializes the artifacts of img. Errors are *WriteError values; nothing is left at the
// image path when fetching, decoding or saving fails. File names that are absolute, escape the
// output directory or contain line breaks are rejected before anything is fetched.
func (w *ArtifactWriter) Write(ctx context.Context, img ImageRecord,
	annotations []AnnotationRecord) error {

	if err := checkFileName(img.FileName); err != nil {
		return newWriteError(img.FileName, ErrFilesystem, err)
	}

	imagePath := w.ImagePath(img.FileName)
	if err := os.MkdirAll(filepath.Dir(imagePath), 0755); err != nil {
		return newWriteError(img.FileName, ErrFilesystem, err)
	}

	exists, err := fileExists(imagePath)
	if err != nil {
		return newWriteError(img.FileName, ErrFilesystem, err)
	}
	if exists {
		w.logger().WithField("file", img.FileName).Debug("image present, not fetching")
	} else if err := w.acquireImage(ctx, img, imagePath); err != nil {
		return err
	}

	labelPath := w.LabelPath(img.FileName)
	if err := os.MkdirAll(filepath.Dir(labelPath), 0755); err != nil {
		return newWriteError(img.FileName, ErrFilesystem, err)
	}
	if err := WriteLabels(labelPath, LabelsFor(img, annotations)); err != nil {
		return newWriteError(img.FileName, ErrFilesystem, errors.Wrap(err, "write labels"))
	}

	return nil
}

// acquireImage fetches, decodes and saves the image, carrying over any EXIF block.
func (w *ArtifactWriter) acquireImage(ctx context.Context, img ImageRecord, path string) error {
	url := w.imageURL(img)
	if w.Fetcher == nil {
		return newWriteError(img.FileName, ErrFetchFailed, errors.New("no fetcher configured"))
	}

	data, err := w.Fetcher.Fetch(ctx, url)
	if err != nil {
		return newWriteError(img.FileName, ErrFetchFailed, err)
	}

	decoded, err := decodeImage(data)
	if err != nil {
		return newWriteError(img.FileName, ErrDecodeFailed, err)
	}

	exif := extractEXIF(data)
	if err := saveImage(path, decoded, w.JPEGQuality, exif); err != nil {
		return newWriteError(img.FileName, ErrFilesystem, errors.Wrap(err, "save image"))
	}

	w.logger().WithFields(logrus.Fields{"file": img.FileName, "url": url, "exif": exif != nil}).
		Debug("image saved")
	return nil
}

// imageURL selects the URL to fetch, falling back to the other rendition when the preferred one
// is empty.
func (w *ArtifactWriter) imageURL(img ImageRecord) string {
	first, second := img.SourceURL, img.AltURL
	if w.PreferAlt {
		first, second = second, first
	}
	if first != "" {
		return first
	}
	return second
}

func (w *ArtifactWriter) logger() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}
