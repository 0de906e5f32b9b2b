// Package cli holds the device flags shared by the command-line tools.
package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/openfluke/offload/gpu"
	_ "github.com/openfluke/offload/gpu/host"
	_ "github.com/openfluke/offload/gpu/webgpu"
)

var (
	flagDriver = flag.String("driver", "", "Compute driver: one of "+strings.Join(gpu.Drivers(), ", ")+
		". Overrides $"+gpu.EnvDriver+"; empty uses $"+gpu.EnvDriver+" or the default driver.")
	flagClass = flag.String("class", "", "Device class: gpu, cpu or any. Overrides $"+gpu.EnvDeviceClass+".")
	flagBudget = flag.Int("budget_mb", 0, "Device memory budget in MiB. Overrides $"+gpu.EnvBudgetMB+
		"; 0 keeps the environment value.")
)

// Config merges the environment configuration with the device flags.
func Config() (gpu.Config, error) {
	cfg, err := gpu.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if *flagDriver != "" {
		cfg.Driver = *flagDriver
	}
	if *flagClass != "" {
		if cfg.Class, err = gpu.ParseDeviceClass(*flagClass); err != nil {
			return cfg, err
		}
	}
	if *flagBudget < 0 {
		return cfg, errors.Wrapf(gpu.ErrConfig, "-budget_mb=%d is negative", *flagBudget)
	}
	if *flagBudget > 0 {
		cfg.BudgetBytes = uint64(*flagBudget) << 20
	}
	return cfg, nil
}

// Open opens the session selected by the environment and the device flags.
func Open(ctx context.Context) (*gpu.Session, error) {
	cfg, err := Config()
	if err != nil {
		return nil, err
	}
	return gpu.Open(ctx, cfg)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 2).
			Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("99"))
	keyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).Width(22)
)

// Banner renders a title box followed by aligned key/value lines.
func Banner(title string, rows ...[2]string) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	for _, r := range rows {
		fmt.Fprintf(&sb, "%s %s\n", keyStyle.Render(r[0]+":"), r[1])
	}
	return sb.String()
}

// DeviceRows describes the session's device for Banner.
func DeviceRows(s *gpu.Session) [][2]string {
	info := s.Info()
	rows := [][2]string{
		{"Device", info.Name},
		{"Class", info.Class.String()},
		{"Driver", info.Driver},
	}
	if info.Limits.MaxBufferSize > 0 {
		rows = append(rows, [2]string{"Max buffer", humanize.IBytes(info.Limits.MaxBufferSize)})
	}
	return rows
}
