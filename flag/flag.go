// Package flag is the command line of gosnap.
package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// CLI is the command tree.
type CLI struct {
	LogLevel string `help:"Log level." default:"info" enum:"debug,info,warn,error"`

	Probe   ProbeCMD   `cmd:"" help:"Report KVM dirty page tracking capabilities."`
	Verify  VerifyCMD  `cmd:"" help:"Check the header and checksum of a snapshot file."`
	Info    InfoCMD    `cmd:"" help:"Describe the device state in a snapshot file."`
	Merge   MergeCMD   `cmd:"" help:"Fold diff memory files onto a base memory file in place."`
	Demo    DemoCMD    `cmd:"" help:"Boot an emulated VM, dirty some pages and snapshot it."`
	Restore RestoreCMD `cmd:"" help:"Load a snapshot, optionally run it and snapshot it again."`
}

// ProbeCMD reports host capabilities.
type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
}

// VerifyCMD validates a snapshot file.
type VerifyCMD struct {
	Snapshot string `arg:"" type:"existingfile" help:"Snapshot file."`
}

// InfoCMD prints the device state tree.
type InfoCMD struct {
	Snapshot string `arg:"" type:"existingfile" help:"Snapshot file."`
	Mem      string `type:"existingfile" help:"Memory file; decodes the instruction at each vCPU's RIP."`
}

// MergeCMD applies diff layers.
type MergeCMD struct {
	Base  string   `required:"" type:"existingfile" help:"Base memory file, rewritten in place."`
	Diffs []string `arg:"" name:"diff" type:"existingfile" help:"Diff memory files, oldest first."`
}

// DemoCMD boots and snapshots a VM.
type DemoCMD struct {
	Config   string `short:"c" type:"existingfile" help:"TOML VM configuration."`
	Snapshot string `required:"" help:"Snapshot file to write."`
	Mem      string `required:"" help:"Memory file to write."`
	Type     string `default:"Full" enum:"Full,Diff" help:"Snapshot type."`
	Pages    int    `default:"3" help:"Guest pages to write before snapshotting."`
	Version  string `help:"Release whose format the snapshot is written in."`
}

// RestoreCMD loads a snapshot.
type RestoreCMD struct {
	Config     string        `short:"c" type:"existingfile" help:"TOML VM configuration; only host side settings are used."`
	Snapshot   string        `required:"" type:"existingfile" help:"Snapshot file."`
	Mem        string        `required:"" type:"existingfile" help:"Memory file."`
	EnableDiff bool          `help:"Track dirty pages for later Diff snapshots."`
	For        time.Duration `name:"run" default:"0s" help:"Resume and run this long (until interrupted when negative)."`
	OutSnap    string        `help:"After running, write a snapshot here."`
	OutMem     string        `help:"Memory file for --out-snap."`
	OutType    string        `default:"Diff" enum:"Full,Diff" help:"Snapshot type for --out-snap."`
}
