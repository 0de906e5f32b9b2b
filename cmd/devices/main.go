// devices lists the compute devices visible to every registered driver.
//
// With -json it prints the WebGPU adapter reports as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/openfluke/offload/detector"
	"github.com/openfluke/offload/gpu"
	"github.com/openfluke/offload/internal/cli"
)

var flagJSON = flag.Bool("json", false, "Print the WebGPU adapter reports as JSON.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagJSON {
		out, err := detector.DetectJSON()
		if err != nil {
			klog.Errorf("devices: %+v", err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	cfg, err := cli.Config()
	if err != nil {
		klog.Errorf("devices: %+v", err)
		os.Exit(1)
	}
	found := 0
	for _, name := range gpu.Drivers() {
		if cfg.Driver != "" && cfg.Driver != name {
			continue
		}
		c := cfg
		c.Driver = name
		s, err := gpu.Open(context.Background(), c)
		if err != nil {
			fmt.Printf("%s: %v\n", name, err)
			continue
		}
		found++
		info := s.Info()
		rows := cli.DeviceRows(s)
		rows = append(rows,
			[2]string{"Vendor", info.Vendor},
			[2]string{"Max work-group", fmt.Sprintf("%v (%d invocations)",
				info.Limits.MaxWorkgroupSize, info.Limits.MaxInvocationsPerWorkgroup)},
			[2]string{"Max groups per dim", humanize.Comma(int64(info.Limits.MaxWorkgroupsPerDimension))},
		)
		fmt.Println(cli.Banner(name, rows...))
		must.M(s.Close())
	}
	if found == 0 {
		klog.Errorf("devices: no %s device found", cfg.Class)
		os.Exit(1)
	}
}
