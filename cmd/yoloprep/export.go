package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sensorable/yoloprep"
)

// exportCommand converts one split directory to TFRecord.
func exportCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a train or val split as TFRecord files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(v)
		},
	}

	flags := cmd.Flags()
	flags.String("images", "./dataset/images/train", "The split's image `directory`")
	flags.String("labels", "./dataset/labels/train", "The split's label `directory`")
	flags.String("out", "./dataset/train.record", "The TFRecord output `path`")
	flags.String("label-map", "./dataset/label_map.pbtxt", "The label map output `path`")
	flags.String("annotations", "", "Optional COCO annotations `file` for class names")
	flags.Int("num-shards", 1, "The number of shard files to create")

	return cmd
}

func runExport(v *viper.Viper) error {
	var names map[int]string
	if path := v.GetString("annotations"); path != "" {
		store, err := yoloprep.LoadAnnotationStore(path)
		if err != nil {
			return errors.Wrap(err, "load class names")
		}
		names = store.CategoryNames()
	}

	e := &yoloprep.TFRecordExporter{
		ImageDir:  v.GetString("images"),
		LabelDir:  v.GetString("labels"),
		Names:     names,
		NumShards: v.GetInt("num-shards"),
		Logger:    logrus.StandardLogger(),
	}
	report, err := e.Export(v.GetString("out"), v.GetString("label-map"))
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"examples": report.Examples,
		"classes":  len(report.Classes),
		"shards":   len(report.Shards),
	}).Infof("Successfully wrote %d examples", report.Examples)
	return nil
}
