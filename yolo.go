package yoloprep

// YOLO label format specific functionality.

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NormalizedLabel is a bounding box relative to the image dimensions, in YOLO order.
type NormalizedLabel struct {
	ClassID int
	XCenter float64 // In [0, 1] for a bbox inside the image.
	YCenter float64
	Width   float64
	Height  float64
}

// Normalize converts an absolute COCO bbox to a NormalizedLabel using the owning image's size.
func Normalize(a AnnotationRecord, img ImageRecord) NormalizedLabel {
	w, h := float64(img.Width), float64(img.Height)
	x, y, bw, bh := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]

	return NormalizedLabel{
		ClassID: a.CategoryID,
		XCenter: (x + bw/2) / w,
		YCenter: (y + bh/2) / h,
		Width:   bw / w,
		Height:  bh / h,
	}
}

// Corners returns the normalized x1, y1, x2, y2 coordinates of the label.
func (l NormalizedLabel) Corners() [4]float64 {
	return [4]float64{
		l.XCenter - l.Width/2,
		l.YCenter - l.Height/2,
		l.XCenter + l.Width/2,
		l.YCenter + l.Height/2,
	}
}

// String formats the label as a single YOLO line without the trailing newline.
func (l NormalizedLabel) String() string {
	return fmt.Sprintf("%d %s %s %s %s", l.ClassID, formatLabelValue(l.XCenter),
		formatLabelValue(l.YCenter), formatLabelValue(l.Width), formatLabelValue(l.Height))
}

// formatLabelValue formats v like Python's "{:.6}": 6 significant digits with trailing zeros
// trimmed, at least one fractional digit in fixed notation, and exponent notation when the
// decimal exponent is below -4 or at least 5: 0.25, 1.0, 0.333333, 1e-05, 1.23457e+05.
func formatLabelValue(v float64) string {
	const digits = 6
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}

	// The exponent is taken after rounding to the significant digits.
	mant, expStr, _ := strings.Cut(strconv.FormatFloat(v, 'e', digits-1, 64), "e")
	exp, _ := strconv.Atoi(expStr)
	if exp < -4 || exp >= digits-1 {
		return trimFractionZeros(mant) + "e" + expStr
	}

	s := trimFractionZeros(strconv.FormatFloat(v, 'f', digits-1-exp, 64))
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func trimFractionZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	return strings.TrimSuffix(strings.TrimRight(s, "0"), ".")
}

// LabelsFor converts all annotations of img, preserving their order.
func LabelsFor(img ImageRecord, annotations []AnnotationRecord) []NormalizedLabel {
	labels := make([]NormalizedLabel, len(annotations))
	for i, a := range annotations {
		labels[i] = Normalize(a, img)
	}
	return labels
}

// EncodeLabels renders labels as the content of a YOLO label file, one line per label.
func EncodeLabels(labels []NormalizedLabel) []byte {
	var buf bytes.Buffer
	for _, l := range labels {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteLabels writes the labels to path, replacing any previous content atomically.
func WriteLabels(path string, labels []NormalizedLabel) error {
	return writeFileAtomic(path, EncodeLabels(labels), 0644)
}

// ReadLabels parses the YOLO label file at path. Blank lines are ignored.
func ReadLabels(path string) ([]NormalizedLabel, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	labels := make([]NormalizedLabel, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		l, err := parseLabelLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, i+1)
		}
		labels = append(labels, l)
	}
	return labels, nil
}

// parseLabelLine parses the values of a single YOLO line.
func parseLabelLine(line string) (NormalizedLabel, error) {
	tokens := strings.Fields(line)
	if len(tokens) != 5 {
		return NormalizedLabel{}, fmt.Errorf("want 5 tokens in %q, got %d", line, len(tokens))
	}

	classID, err := strconv.Atoi(tokens[0])
	if err != nil {
		return NormalizedLabel{}, fmt.Errorf("unexpected class id in %q: %v", line, err)
	}

	var v [4]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(tokens[i+1], 64); err != nil {
			return NormalizedLabel{}, fmt.Errorf("unexpected values in %q: %v", line, err)
		}
	}

	return NormalizedLabel{ClassID: classID, XCenter: v[0], YCenter: v[1], Width: v[2], Height: v[3]},
		nil
}

// labelFileName returns the label file name for an image file name: the same relative path with
// the extension replaced by ".txt".
func labelFileName(imageFileName string) string {
	ext := filepath.Ext(imageFileName)
	return imageFileName[:len(imageFileName)-len(ext)] + ".txt"
}
