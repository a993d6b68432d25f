package yoloprep

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readTFRecords decodes the TFRecord framing of a shard: a little-endian uint64 length, its
// masked CRC, the payload and the payload CRC.
func readTFRecords(t *testing.T, path string) []*tensorflow.Example {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []*tensorflow.Example
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 12, "truncated record header")
		n := int(binary.LittleEndian.Uint64(data))
		require.GreaterOrEqual(t, len(data), 12+n+4, "truncated record")
		ex := &tensorflow.Example{}
		require.NoError(t, proto.Unmarshal(data[12:12+n], ex))
		out = append(out, ex)
		data = data[12+n+4:]
	}
	return out
}

func int64Values(f *tensorflow.Feature) []int64 {
	if l := f.GetInt64List(); l != nil {
		return l.Value
	}
	return nil
}

func bytesValues(f *tensorflow.Feature) [][]byte {
	if l := f.GetBytesList(); l != nil {
		return l.Value
	}
	return nil
}

func floatValues(f *tensorflow.Feature) []float32 {
	if l := f.GetFloatList(); l != nil {
		return l.Value
	}
	return nil
}

func setupSplitDir(t *testing.T, images map[string]string) (imageDir, labelDir string) {
	t.Helper()
	dir := t.TempDir()
	imageDir = filepath.Join(dir, "images", "train")
	labelDir = filepath.Join(dir, "labels", "train")
	require.NoError(t, os.MkdirAll(labelDir, 0755))
	for name, labels := range images {
		writeTestFile(t, imageDir, name, string(testJPEG(t, 40, 20)))
		if labels != "" {
			writeTestFile(t, labelDir, labelFileName(name), labels)
		}
	}
	return imageDir, labelDir
}

func TestTFRecordExporter_Export(t *testing.T) {
	imageDir, labelDir := setupSplitDir(t, map[string]string{
		"a.jpg": "0 0.5 0.5 0.5 0.5\n1 0.25 0.25 0.5 0.5\n",
		"b.jpg": "",
	})
	out := t.TempDir()
	logger, _ := logtest.NewNullLogger()
	e := &TFRecordExporter{
		ImageDir: imageDir,
		LabelDir: labelDir,
		Names:    map[int]string{0: "Bottle", 1: "Can"},
		Logger:   logger,
	}

	report, err := e.Export(filepath.Join(out, "train.record"), filepath.Join(out, "label_map.pbtxt"))

	require.NoError(t, err)
	assert.Equal(t, 2, report.Examples)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, []string{filepath.Join(out, "train.record")}, report.Shards)
	assert.Equal(t, map[int]string{1: "Bottle", 2: "Can"}, report.Classes)

	examples := readTFRecords(t, report.Shards[0])
	require.Len(t, examples, 2)

	features := examples[0].GetFeatures().GetFeature()
	assert.Equal(t, []int64{40}, int64Values(features["image/width"]))
	assert.Equal(t, []int64{20}, int64Values(features["image/height"]))
	assert.Equal(t, [][]byte{[]byte("a.jpg")}, bytesValues(features["image/filename"]))
	assert.Equal(t, []int64{1, 2}, int64Values(features["image/object/class/label"]))
	assert.Equal(t, [][]byte{[]byte("Bottle"), []byte("Can")},
		bytesValues(features["image/object/class/text"]))
	assert.InDeltaSlice(t, []float32{0.25, 0}, floatValues(features["image/object/bbox/xmin"]), 1e-6)
	assert.InDeltaSlice(t, []float32{0.75, 0.5}, floatValues(features["image/object/bbox/xmax"]), 1e-6)

	// A missing label file is an image without objects.
	empty := examples[1].GetFeatures().GetFeature()
	assert.Empty(t, int64Values(empty["image/object/class/label"]))

	assert.Equal(t,
		"item {\n  id: 1\n  name: \"Bottle\"\n}\nitem {\n  id: 2\n  name: \"Can\"\n}\n",
		readTestFile(t, filepath.Join(out, "label_map.pbtxt")))
}

func TestTFRecordExporter_Shards(t *testing.T) {
	imageDir, labelDir := setupSplitDir(t, map[string]string{
		"a.jpg": "0 0.5 0.5 1.0 1.0\n",
		"b.jpg": "0 0.5 0.5 1.0 1.0\n",
		"c.jpg": "3 0.5 0.5 1.0 1.0\n",
	})
	out := t.TempDir()
	e := &TFRecordExporter{ImageDir: imageDir, LabelDir: labelDir, NumShards: 2}

	report, err := e.Export(filepath.Join(out, "val.record"), filepath.Join(out, "map.pbtxt"))

	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(out, "val.record-00000-of-00002"),
		filepath.Join(out, "val.record-00001-of-00002"),
	}, report.Shards)
	assert.Len(t, readTFRecords(t, report.Shards[0]), 2)
	assert.Len(t, readTFRecords(t, report.Shards[1]), 1)
	assert.Equal(t, map[int]string{1: "0", 4: "3"}, report.Classes, "unnamed classes use their id")
}

func TestTFRecordExporter_SkipsBrokenImages(t *testing.T) {
	imageDir, labelDir := setupSplitDir(t, map[string]string{"a.jpg": ""})
	writeTestFile(t, imageDir, "broken.jpg", "not an image")
	writeTestFile(t, imageDir, "bad_label.jpg", string(testJPEG(t, 4, 4)))
	writeTestFile(t, labelDir, "bad_label.txt", "0 0.5\n")
	out := t.TempDir()
	e := &TFRecordExporter{ImageDir: imageDir, LabelDir: labelDir, NumShards: 10}

	report, err := e.Export(filepath.Join(out, "x.record"), filepath.Join(out, "map.pbtxt"))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Examples)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, report.Shards, 3, "shards are capped at the number of images")
}

func TestTFRecordExporter_MissingImageDir(t *testing.T) {
	e := &TFRecordExporter{ImageDir: filepath.Join(t.TempDir(), "missing")}
	_, err := e.Export(filepath.Join(t.TempDir(), "x.record"), filepath.Join(t.TempDir(), "m.pbtxt"))
	assert.Error(t, err)
}
