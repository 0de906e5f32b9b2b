// sobel filters a grayscale image with a 3x3 Sobel edge detector (or Gaussian blur) on a
// compute device and sequentially on the host, and reports both times.
//
//	sobel [flags] <src image> <dest image>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/imageio"
	"github.com/openfluke/offload/internal/cli"
	"github.com/openfluke/offload/sobel"
)

var (
	flagKernel = flag.String("kernel", "", "WGSL kernel source file. Empty uses the embedded conv.wgsl.")
	flagFilter = flag.String("filter", "sobel", "Filter to apply: sobel or gaussian.")
	flagMode   = flag.String("mode", "both", "Which paths to run: seq, device or both. "+
		"With both, the device image is written and the two results are compared.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <src image> <dest image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	filter, err := sobel.ParseFilter(*flagFilter)
	if err == nil {
		err = run(filter, flag.Arg(0), flag.Arg(1))
	}
	if err != nil {
		klog.Errorf("sobel: %+v", err)
		os.Exit(1)
	}
}

func run(filter sobel.Filter, src, dst string) error {
	runSeq, runDevice := *flagMode == "seq" || *flagMode == "both", *flagMode == "device" || *flagMode == "both"
	if !runSeq && !runDevice {
		return errors.Errorf("unknown -mode %q (want seq, device or both)", *flagMode)
	}

	pix, w, h, err := imageio.Decode(src)
	if err != nil {
		return err
	}
	img := &sobel.Image{Pix: pix, Width: w, Height: h}
	fmt.Printf("Image %q: %dx%d, filter %s\n", src, w, h, filter)

	var seq *sobel.Image
	if runSeq {
		out, elapsed, err := sobel.Sequential(filter, img)
		if err != nil {
			return err
		}
		fmt.Printf("Sequential Time: %d ms\n", elapsed.Milliseconds())
		seq = out
		if !runDevice {
			return imageio.Encode(seq.Pix, w, h, dst)
		}
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
	klog.V(1).Infof("device %q (%s)", s.Info().Name, s.Info().Class)

	var p *sobel.Pipeline
	if *flagKernel != "" {
		p, err = sobel.Load(s, filter, *flagKernel)
	} else {
		p, err = sobel.New(s, filter, "")
	}
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.Run(img)
	if err != nil {
		return err
	}
	fmt.Printf("Device elapsed Time: %d ms (%v)\n", res.Elapsed.Milliseconds(), res.Shape)

	if seq != nil {
		diff, bordersZero := sobel.MaxInteriorDiff(seq, res.Image)
		fmt.Printf("Max interior difference: %g, borders zero: %t\n", diff, bordersZero)
	}
	return imageio.Encode(res.Image.Pix, w, h, dst)
}
