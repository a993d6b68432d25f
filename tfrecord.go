package yoloprep

// TFRecord object detection export of a partitioned YOLO split.

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
	"github.com/sirupsen/logrus"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// TFRecordExporter converts the image/label pairs of one split directory into TFRecord shard
// files for the TensorFlow object detection API.
type TFRecordExporter struct {
	ImageDir  string
	LabelDir  string
	Names     map[int]string // Class names by YOLO class id; missing ids use the number.
	NumShards int            // Values below 1 write a single file.
	Logger    logrus.FieldLogger
}

// ExportReport summarizes an export.
type ExportReport struct {
	Examples int
	Skipped  int
	Shards   []string
	Classes  map[int]string // TF label id to class name, as written to the label map.
}

// tfLabelID maps a YOLO class id to a TF object detection label id; 0 is reserved for the
// background class.
func tfLabelID(classID int) int64 {
	return int64(classID) + 1
}

// toTFFeatures builds the feature map for the image at imagePath and its labels.
func (e *TFRecordExporter) toTFFeatures(imagePath string, labels []NormalizedLabel) (TFFeatureMap,
	error) {

	// Get the image width and height.
	img, format, err := decodeImageConfig(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %v", err)
	}

	// Read the image data.
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %v", err)
	}

	name := filepath.Base(imagePath)
	f := make(TFFeatureMap, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = name
	f["image/source_id"] = name
	f["image/encoded"] = imgData
	f["image/format"] = format

	// Prepare the per label data, clipped to the image.
	numLabels := len(labels)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classes := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	for i, l := range labels {
		c := l.Corners()
		xmins[i] = float32(clamp01(c[0]))
		ymins[i] = float32(clamp01(c[1]))
		xmaxs[i] = float32(clamp01(c[2]))
		ymaxs[i] = float32(clamp01(c[3]))
		classes[i] = e.className(l.ClassID)
		classIDs[i] = tfLabelID(l.ClassID)
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classes
	f["image/object/class/label"] = classIDs

	return f, nil
}

func (e *TFRecordExporter) className(classID int) string {
	if name, ok := e.Names[classID]; ok && name != "" {
		return name
	}
	return strconv.Itoa(classID)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Export writes the examples to recordFilePath (with -%05d-of-%05d suffixes when NumShards > 1)
// and the label map to labelMapPath. Images that cannot be converted are logged and skipped.
func (e *TFRecordExporter) Export(recordFilePath, labelMapPath string) (report ExportReport,
	err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", r)
		}
	}()

	logger := e.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	numShards := e.NumShards
	if numShards <= 0 {
		numShards = 1
	}

	images, err := filesByExtInDir(e.ImageDir, "")
	if err != nil {
		return report, err
	}
	if len(images) < numShards {
		numShards = int(math.Max(1, float64(len(images))))
	}

	report.Classes = make(map[int]string)
	for id, name := range e.Names {
		report.Classes[int(tfLabelID(id))] = name
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	var shardWriter *bufio.Writer
	closeShard := func() error {
		if shardFile == nil {
			return nil
		}
		ferr := shardWriter.Flush()
		if cerr := shardFile.Close(); ferr == nil {
			ferr = cerr
		}
		shardFile, shardWriter = nil, nil
		return ferr
	}
	defer func() {
		if cerr := closeShard(); err == nil {
			err = cerr
		}
	}()

	shardSize := int(math.Ceil(float64(len(images)) / float64(numShards)))
	shardIdx := -1

	// Convert and serialise one image at a time.
	for i, imagePath := range images {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++
			if err := closeShard(); err != nil {
				return report, errors.Wrap(err, "close shard")
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return report, fmt.Errorf("failed to create shard at %q: %v", shardPath, err)
			}
			shardFile, shardWriter = f, bufio.NewWriter(f)
			report.Shards = append(report.Shards, shardPath)
		}

		log := logger.WithField("file", imagePath)
		labels, err := e.readLabelsFor(imagePath)
		if err != nil {
			log.WithError(err).Warn("failed to read labels, skipping")
			report.Skipped++
			continue
		}
		features, err := e.toTFFeatures(imagePath, labels)
		if err != nil {
			log.WithError(err).Warn("failed to convert, skipping")
			report.Skipped++
			continue
		}
		for _, l := range labels {
			report.Classes[int(tfLabelID(l.ClassID))] = e.className(l.ClassID)
		}

		// Write the example.
		if err := writeTFRecordExample(shardWriter, example.New(features)); err != nil {
			return report, errors.Wrapf(err, "write example for %q", imagePath)
		}
		report.Examples++
	}

	if err := saveTFRecordLabelMap(labelMapPath, report.Classes); err != nil {
		return report, err
	}

	logger.WithFields(logrus.Fields{"examples": report.Examples, "skipped": report.Skipped,
		"shards": len(report.Shards)}).Info("TFRecord export finished")
	return report, nil
}

// readLabelsFor reads the YOLO label file of the image. A missing label file means the image has
// no objects.
func (e *TFRecordExporter) readLabelsFor(imagePath string) ([]NormalizedLabel, error) {
	path := filepath.Join(e.LabelDir, labelFileName(filepath.Base(imagePath)))
	exists, err := fileExists(path)
	if err != nil || !exists {
		return nil, err
	}
	return ReadLabels(path)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// saveTFRecordLabelMap writes the label map to path in prototxt format, ordered by id.
func saveTFRecordLabelMap(path string, labelMap map[int]string) error {
	ids := make([]int, 0, len(labelMap))
	for id := range labelMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "item {\n  id: %d\n  name: %s\n}\n", id, strconv.Quote(labelMap[id]))
	}

	if err := writeFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write the label map %q: %v", path, err)
	}
	return nil
}
