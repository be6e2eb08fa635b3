// Package hostinfo describes the host the agent runs on. Used once at
// startup for the identification banner in the log.
package hostinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Info holds a one-shot host description.
type Info struct {
	Hostname      string
	Platform      string // e.g. "ubuntu 22.04"
	KernelVersion string
	Uptime        time.Duration
}

// Collect gathers the host description via gopsutil.
func Collect(ctx context.Context) (Info, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Hostname:      hi.Hostname,
		Platform:      fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion),
		KernelVersion: hi.KernelVersion,
		Uptime:        time.Duration(hi.Uptime) * time.Second,
	}, nil
}
