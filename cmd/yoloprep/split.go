package main

import (
	"math/rand"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sensorable/yoloprep"
)

// splitCommand partitions the downloaded batches into train and val subsets.
func splitCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split image/label batches into train and val subsets",
		Long: "Shuffles the images of every batch directory and copies them and their labels into" +
			" train and val directories below the image and label roots. Existing files are not" +
			" overwritten.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSplit(v)
		},
	}

	flags := cmd.Flags()
	flags.String("images", "./dataset/images", "The image root `directory` with batch subdirectories")
	flags.String("labels", "./dataset/labels", "The label root `directory` with batch subdirectories")
	flags.Float64("train-ratio", yoloprep.DefaultTrainRatio, "Fraction of images assigned to train")
	flags.Int64("seed", 0, "Seed for the shuffle (zero seeds from the clock)")
	flags.String("mode", "batch", "Apply the ratio per batch or globally {batch, global}")

	return cmd
}

func runSplit(v *viper.Viper) error {
	mode, err := yoloprep.ParseSplitMode(v.GetString("mode"))
	if err != nil {
		return err
	}
	seed := v.GetInt64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	p := &yoloprep.Partitioner{
		ImageRoot:  filepath.Clean(v.GetString("images")),
		LabelRoot:  filepath.Clean(v.GetString("labels")),
		TrainRatio: v.GetFloat64("train-ratio"),
		Mode:       mode,
		Rand:       rand.New(rand.NewSource(seed)),
		Logger:     logrus.StandardLogger(),
	}
	report, err := p.Partition()
	if err != nil {
		return err
	}

	var train, val int
	for _, s := range report.Splits {
		train += len(s.Train)
		val += len(s.Val)
	}
	logrus.WithFields(logrus.Fields{
		"batches":        len(report.Splits),
		"train":          train,
		"val":            val,
		"copied":         report.Copied,
		"existing":       report.Existing,
		"missing_labels": len(report.MissingLabels),
	}).Info("dataset split complete")
	return nil
}
