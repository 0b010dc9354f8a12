// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hostinfo describes the host process the proxy was loaded into.
// The proxy has no process of its own; every log line and exported event
// is attributed to whatever executable pulled the shim in.
package hostinfo

import (
	"os"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Info identifies the host process.
type Info struct {
	PID       int32
	PPID      int32
	Name      string
	Exe       string
	Cmdline   string
	Username  string
	StartTime int64 // ms since epoch
	Hostname  string
}

// Describe inspects the current process. Individual probes failing is
// normal (restricted /proc, containers); whatever resolved is returned.
func Describe() Info {
	info := Info{PID: int32(os.Getpid())}

	if hn, err := os.Hostname(); err == nil {
		info.Hostname = hn
	} else if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
	}

	proc, err := process.NewProcess(info.PID)
	if err != nil {
		return info
	}
	if v, err := proc.Ppid(); err == nil {
		info.PPID = v
	}
	if v, err := proc.Name(); err == nil {
		info.Name = v
	}
	if v, err := proc.Exe(); err == nil {
		info.Exe = v
	}
	if v, err := proc.Cmdline(); err == nil {
		info.Cmdline = v
	}
	if v, err := proc.Username(); err == nil {
		info.Username = v
	}
	if v, err := proc.CreateTime(); err == nil {
		info.StartTime = v
	}
	return info
}

// Fields renders the info as zap fields for the startup banner.
func (i Info) Fields() []zap.Field {
	return []zap.Field{
		zap.Int32("pid", i.PID),
		zap.Int32("ppid", i.PPID),
		zap.String("process", i.Name),
		zap.String("exe", i.Exe),
		zap.String("host", i.Hostname),
	}
}

// ResourceAttrs renders the info as OTLP resource attributes.
func (i Info) ResourceAttrs() map[string]string {
	attrs := map[string]string{
		"service.name": "shimmer",
		"host.name":    i.Hostname,
	}
	if i.Name != "" {
		attrs["process.executable.name"] = i.Name
	}
	if i.Exe != "" {
		attrs["process.executable.path"] = i.Exe
	}
	if i.Cmdline != "" {
		attrs["process.command_line"] = i.Cmdline
	}
	if i.Username != "" {
		attrs["process.owner"] = i.Username
	}
	return attrs
}
