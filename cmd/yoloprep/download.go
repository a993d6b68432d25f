package main

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sensorable/yoloprep"
)

// downloadCommand fetches images and writes YOLO labels for a COCO annotation file.
func downloadCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download images and write YOLO labels for a COCO annotation file",
		Long: "Downloads a random sample (or all) of the images referenced by a COCO annotation file" +
			" and writes one YOLO label file per image. Label files are always regenerated; images" +
			" already on disk are not fetched again. With --resume, images recorded in the ledger" +
			" are skipped entirely.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("dataset_path", "./data/annotations.json", "Path to the COCO annotations `file`")
	flags.String("output_path", "./dataset/yolo", "The output `directory` for the YOLO dataset")
	flags.Int("sample_size", 1, "Number of random images to process")
	flags.Bool("resume", false, "Skip images recorded in the ledger by previous runs")
	flags.Bool("all", false, "Process every image in document order instead of a random sample")
	flags.Int64("seed", 0, "Seed for the random sample (zero seeds from the clock)")
	flags.Int("workers", 1, "Number of images to download concurrently")
	flags.Duration("timeout", yoloprep.DefaultFetchTimeout, "Timeout for a single fetch attempt")
	flags.Int("retries", yoloprep.DefaultFetchRetries, "Retries for transient fetch failures")
	flags.Float64("rate", 0, "Maximum fetch requests per second (zero is unlimited)")
	flags.Int("jpeg-quality", yoloprep.DefaultJPEGQuality, "The quality for JPEG outputs [1, 100]")
	flags.String("ledger", "text", "The ledger backend {text, bolt}")
	flags.Bool("resized", false, "Fetch the 640px rendition (flickr_640_url) instead of the original")

	return cmd
}

func runDownload(cmd *cobra.Command, v *viper.Viper) error {
	logger := logrus.StandardLogger()
	outputDir := filepath.Clean(v.GetString("output_path"))

	// Setup errors are fatal before anything is written.
	store, err := yoloprep.LoadAnnotationStore(v.GetString("dataset_path"))
	if err != nil {
		return err
	}

	ledger, err := openLedger(v.GetString("ledger"), outputDir, v.GetBool("resume"))
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.WithError(err).Error("failed to close the ledger")
		}
	}()

	fetcher := yoloprep.NewHTTPFetcher(yoloprep.FetcherConfig{
		Timeout:           v.GetDuration("timeout"),
		MaxRetries:        v.GetInt("retries"),
		RequestsPerSecond: v.GetFloat64("rate"),
	}, nil, logger)

	writer := yoloprep.NewArtifactWriter(outputDir, fetcher)
	writer.JPEGQuality = v.GetInt("jpeg-quality")
	writer.PreferAlt = v.GetBool("resized")
	writer.Logger = logger

	var sel yoloprep.Selection = yoloprep.FullSelection{}
	if !v.GetBool("all") {
		seed := v.GetInt64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		sel = yoloprep.RandomSample{N: v.GetInt("sample_size"), Rand: rand.New(rand.NewSource(seed))}
	}

	acq := &yoloprep.Acquirer{
		Store:    store,
		Ledger:   ledger,
		Writer:   writer,
		Logger:   logger,
		Workers:  v.GetInt("workers"),
		Progress: progressBar(cmd.ErrOrStderr()),
	}
	report, err := acq.Run(cmd.Context(), sel)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"selected": report.Selected,
		"written":  report.Written,
		"skipped":  report.Skipped,
		"failed":   len(report.Failed),
		"ledger":   ledger.Len(),
	}).Info("download complete")
	return nil
}

// openLedger opens the ledger backend below outputDir.
func openLedger(backend, outputDir string, resume bool) (yoloprep.Ledger, error) {
	switch backend {
	case "text", "":
		return yoloprep.OpenFileLedger(filepath.Join(outputDir, yoloprep.LedgerFileName), resume)
	case "bolt":
		return yoloprep.OpenBoltLedger(filepath.Join(outputDir, yoloprep.BoltLedgerFileName), resume)
	}
	return nil, errors.Errorf("unknown ledger backend %q", backend)
}

// progressBar renders a fixed width progress bar to w.
func progressBar(w io.Writer) func(done, total int) {
	const barSize = 30
	return func(done, total int) {
		if total == 0 {
			return
		}
		progress := barSize * done / total
		_, _ = fmt.Fprintf(w, "[%s%s] %d/%d\r", strings.Repeat("#", progress),
			strings.Repeat(" ", barSize-progress), done, total)
	}
}
