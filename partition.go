package yoloprep

// Train/validation partitioning of materialized image/label pairs.

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Names of the partition output directories below the image and label roots.
const (
	TrainDirName = "train"
	ValDirName   = "val"
)

// DefaultTrainRatio is the fraction of each batch assigned to the training subset.
const DefaultTrainRatio = 0.8

// SplitMode selects how the train ratio is applied.
type SplitMode int

const (
	// SplitPerBatch shuffles and splits each batch on its own. The aggregate ratio only
	// approximates the train ratio when batch sizes are uneven.
	SplitPerBatch SplitMode = iota
	// SplitGlobal pools the images of all batches and splits them once.
	SplitGlobal
)

// ParseSplitMode parses "batch" or "global".
func ParseSplitMode(s string) (SplitMode, error) {
	switch s {
	case "batch", "":
		return SplitPerBatch, nil
	case "global":
		return SplitGlobal, nil
	}
	return SplitPerBatch, fmt.Errorf("unknown split mode %q", s)
}

// BatchSplit is the partition assignment of one batch. Train and Val hold image file names
// relative to the batch directory. For SplitGlobal there is a single BatchSplit with an empty
// Batch, and names are prefixed with their batch.
type BatchSplit struct {
	Batch string
	Train []string
	Val   []string
}

// PartitionReport summarizes a Partition call.
type PartitionReport struct {
	Splits        []BatchSplit
	Copied        int // Files copied (images and labels).
	Existing      int // Destinations that already existed.
	MissingLabels []string
	Collisions    []string // Images whose name was already placed from another batch in this run.
}

// Partitioner copies the image/label pairs found in the batch subdirectories of ImageRoot and
// LabelRoot into train and val directories. Source files and the ledger are never modified.
type Partitioner struct {
	ImageRoot  string
	LabelRoot  string
	TrainRatio float64    // Zero uses DefaultTrainRatio.
	Mode       SplitMode  // Defaults to SplitPerBatch.
	Rand       *rand.Rand // Nil seeds from the clock.
	Logger     logrus.FieldLogger
}

// splitIndex returns floor(count * ratio).
func splitIndex(count int, ratio float64) int {
	return int(math.Floor(float64(count) * ratio))
}

// source is one image of a batch.
type source struct {
	batch string
	name  string
}

// Partition shuffles the images of every batch and copies them and their labels into
// <root>/train and <root>/val. Destinations that exist are not overwritten. The train and val
// directories themselves are not treated as batches.
func (p *Partitioner) Partition() (PartitionReport, error) {
	ratio := p.TrainRatio
	if ratio == 0 {
		ratio = DefaultTrainRatio
	}
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return PartitionReport{}, fmt.Errorf("train ratio %v not in [0, 1]", ratio)
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	for _, root := range []string{p.ImageRoot, p.LabelRoot} {
		for _, sub := range []string{TrainDirName, ValDirName} {
			if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
				return PartitionReport{}, errors.Wrap(err, "create partition directory")
			}
		}
	}

	batches, err := p.batches()
	if err != nil {
		return PartitionReport{}, err
	}

	// Group the sources to split.
	var groups [][]source
	var groupNames []string
	for _, batch := range batches {
		files, err := filesByExtInDir(filepath.Join(p.ImageRoot, batch), "")
		if err != nil {
			return PartitionReport{}, err
		}
		srcs := make([]source, len(files))
		for i, f := range files {
			srcs[i] = source{batch: batch, name: filepath.Base(f)}
		}
		groups = append(groups, srcs)
		groupNames = append(groupNames, batch)
	}
	if p.Mode == SplitGlobal && len(groups) > 0 {
		var all []source
		for _, g := range groups {
			all = append(all, g...)
		}
		groups = [][]source{all}
		groupNames = []string{""}
	}

	var report PartitionReport
	placed := make(map[string]string) // subset/name to the batch that placed it
	for gi, srcs := range groups {
		rng.Shuffle(len(srcs), func(i, j int) { srcs[i], srcs[j] = srcs[j], srcs[i] })
		split := splitIndex(len(srcs), ratio)

		bs := BatchSplit{Batch: groupNames[gi]}
		for i, src := range srcs {
			dest := TrainDirName
			if i >= split {
				dest = ValDirName
			}
			key := filepath.Join(dest, src.name)
			if first, ok := placed[key]; ok && first != src.batch {
				report.Collisions = append(report.Collisions, filepath.Join(src.batch, src.name))
				logger.WithFields(logrus.Fields{"batch": src.batch, "file": src.name,
					"placed_by": first, "subset": dest}).
					Warn("file name already placed from another batch, copy skipped")
			} else {
				placed[key] = src.batch
			}
			if err := p.copyPair(src, dest, &report, logger); err != nil {
				return report, err
			}
			rel := src.name
			if p.Mode == SplitGlobal {
				rel = filepath.Join(src.batch, src.name)
			}
			if dest == TrainDirName {
				bs.Train = append(bs.Train, rel)
			} else {
				bs.Val = append(bs.Val, rel)
			}
		}

		logger.WithFields(logrus.Fields{"batch": bs.Batch, "train": len(bs.Train), "val": len(bs.Val)}).
			Info("batch partitioned")
		report.Splits = append(report.Splits, bs)
	}

	return report, nil
}

// batches returns the batch directory names below ImageRoot.
func (p *Partitioner) batches() ([]string, error) {
	dirs, err := dirsInDir(p.ImageRoot)
	if err != nil {
		return nil, err
	}
	batches := dirs[:0]
	for _, d := range dirs {
		if d != TrainDirName && d != ValDirName {
			batches = append(batches, d)
		}
	}
	return batches, nil
}

// copyPair copies the image and its label into the dest subset unless already present.
func (p *Partitioner) copyPair(src source, dest string, report *PartitionReport,
	logger logrus.FieldLogger) error {

	imgSrc := filepath.Join(p.ImageRoot, src.batch, src.name)
	imgDst := filepath.Join(p.ImageRoot, dest, src.name)
	if err := copyCounted(imgSrc, imgDst, report); err != nil {
		return errors.Wrapf(err, "copy image %q", imgSrc)
	}

	lblName := labelFileName(src.name)
	lblSrc := filepath.Join(p.LabelRoot, src.batch, lblName)
	lblDst := filepath.Join(p.LabelRoot, dest, lblName)
	exists, err := fileExists(lblSrc)
	if err != nil {
		return errors.Wrapf(err, "stat label %q", lblSrc)
	}
	if !exists {
		report.MissingLabels = append(report.MissingLabels, lblSrc)
		logger.WithFields(logrus.Fields{"batch": src.batch, "file": src.name}).
			Warn("label file missing, copied image only")
		return nil
	}
	if err := copyCounted(lblSrc, lblDst, report); err != nil {
		return errors.Wrapf(err, "copy label %q", lblSrc)
	}

	return nil
}

func copyCounted(src, dst string, report *PartitionReport) error {
	copied, err := copyFileIfAbsent(src, dst)
	if err != nil {
		return err
	}
	if copied {
		report.Copied++
	} else {
		report.Existing++
	}
	return nil
}
