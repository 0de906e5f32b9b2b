// mnist classifies the MNIST test set with a trained 784-128-10 dense network on a compute
// device and reports the accuracy.
//
//	mnist [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/gpu/webgpu"
	"github.com/openfluke/offload/internal/cli"
	"github.com/openfluke/offload/mlp"
	"github.com/openfluke/offload/mnist"
	"github.com/openfluke/offload/model"
)

var (
	flagImages = flag.String("images", filepath.Join("mnist", mnist.TestImagesFile), "MNIST idx3 image file, optionally gzipped.")
	flagLabels = flag.String("labels", filepath.Join("mnist", mnist.TestLabelsFile), "MNIST idx1 label file, optionally gzipped.")
	flagModel  = flag.String("model", "model-neural-network.dat", "Weights of the trained network.")
	flagKernel = flag.String("kernel", "", "WGSL kernel source file. Empty uses the embedded matmul.wgsl.")
	flagReport = flag.String("report", "", "If set, the accuracy report is also written to this file.")
	flagLimit  = flag.Int("samples", 0, "Number of test samples to classify. 0 classifies the whole file.")
	flagBatch  = flag.Int("batch", 10000, "Samples per device batch.")
	flagCheck  = flag.Bool("check", false, "Compare the device scores with a sequential host computation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("mnist: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	if *flagBatch <= 0 {
		return errors.Errorf("-batch=%d must be positive", *flagBatch)
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Reading samples"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	set, err := mnist.Load(*flagImages, *flagLabels, mnist.Options{
		Limit: *flagLimit,
		Progress: func(read, total int) {
			if read == 1 {
				bar.ChangeMax(total)
			}
			_ = bar.Set(read)
		},
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}
	if set.Count == 0 {
		return errors.Errorf("no samples in %q", *flagImages)
	}
	if set.Features() != model.MNISTInputs {
		return errors.Errorf("%dx%d images do not match the %d network inputs", set.Width, set.Height, model.MNISTInputs)
	}

	m, err := model.Load(*flagModel, model.MNISTInputs, model.MNISTHidden, model.MNISTOutputs)
	if err != nil {
		return err
	}

	s, err := cli.Open(context.Background())
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Errorf("closing session: %+v", err)
		}
	}()

	rows := [][2]string{
		{"No. input neurons", strconv.Itoa(m.Inputs)},
		{"No. hidden neurons", strconv.Itoa(m.Hidden)},
		{"No. output neurons", strconv.Itoa(m.Outputs)},
		{"No. testing samples", strconv.Itoa(set.Count)},
	}
	fmt.Println(cli.Banner("Testing Neural Network for MNIST database", append(rows, cli.DeviceRows(s)...)...))

	var p *mlp.Pipeline
	if *flagKernel != "" {
		p, err = mlp.Load(s, mlp.DefaultConfig, *flagKernel)
	} else {
		p, err = mlp.New(s, mlp.DefaultConfig, "")
	}
	if err != nil {
		return err
	}
	defer p.Close()

	var (
		correct int
		elapsed time.Duration
		maxDiff float64
	)
	for start := 0; start < set.Count; start += *flagBatch {
		images, labels := set.Batch(start, *flagBatch)
		res, err := p.Run(m, images, len(labels))
		if err != nil {
			return errors.WithMessagef(err, "batch at sample %d", start)
		}
		elapsed += res.Elapsed
		n, _ := mlp.Accuracy(res.Predictions(), labels)
		correct += n
		if *flagCheck {
			ref := mlp.Reference(m, images, len(labels))
			for i, v := range ref {
				d := v - res.Scores[i]
				maxDiff = max(maxDiff, max(d, -d))
			}
		}
	}

	accuracy := float64(correct) / float64(set.Count) * 100
	report := fmt.Sprintf("Number of correct samples: %d / %d\nAccuracy: %0.2f\n", correct, set.Count, accuracy)
	fmt.Print(report)
	fmt.Printf("Device Time: %d ms\n", elapsed.Milliseconds())
	if *flagCheck {
		fmt.Printf("Max difference to the host computation: %g\n", maxDiff)
		if s.Info().Driver == webgpu.Name {
			fmt.Println("Note: the webgpu driver computes float64 scores in float32, differences around 1e-3 are expected.")
		}
	}
	if *flagReport != "" {
		if err := os.WriteFile(*flagReport, []byte(report), 0o644); err != nil {
			return errors.Wrap(err, "writing report")
		}
	}
	return nil
}
