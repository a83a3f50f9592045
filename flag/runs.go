package flag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/machine"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/probe"
	"github.com/bobuhiro11/gosnap/snapshot"
	"github.com/bobuhiro11/gosnap/version"
	"github.com/bobuhiro11/gosnap/vmm"
)

var errNoDiffs = errors.New("no diff files given")

func Parse() error {
	c := CLI{}

	programName := "gosnap"
	programDesc := "gosnap creates, inspects, merges and restores microVM snapshots"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	results, err := probe.KVMCapabilities(d.Dev)
	if err != nil {
		return err
	}

	probe.Print(os.Stdout, results)
	fmt.Printf("diff snapshots with hardware dirty log: %v\n", probe.DiffCapable(results))

	return nil
}

func readTree(path string) (snapshot.Header, persist.Tree, error) {
	h, payload, err := snapshot.ReadFile(path)
	if err != nil {
		return h, persist.Tree{}, err
	}

	f := version.Format(h.Version)

	if _, err := version.Default().Plan(f, version.Current); err != nil {
		return h, persist.Tree{}, err
	}

	tree, err := persist.DecodeTree(payload, f)

	return h, tree, err
}

func (v *VerifyCMD) Run() error {
	h, tree, err := readTree(v.Snapshot)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", v.Snapshot, vmm.Classify(err), err)
	}

	fmt.Printf("%s: ok, format %s, crc64 %#016x, %d bytes, %d entries\n",
		v.Snapshot, version.Format(h.Version), h.CRC, h.Length, len(tree.Entries))

	return nil
}

func (i *InfoCMD) Run() error {
	h, tree, err := readTree(i.Snapshot)
	if err != nil {
		return err
	}

	f := version.Format(h.Version)

	fmt.Printf("format:  %s (current %s)\n", f, version.Current)
	fmt.Printf("crc64:   %#016x\n", h.CRC)
	fmt.Printf("memory:  %d bytes in %d regions\n", tree.Memory.TotalSize(), len(tree.Memory))

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTAG\tID\tBYTES")

	for n, en := range tree.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", n, en.Tag, en.ID, len(en.Payload))
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if i.Mem == "" {
		return nil
	}

	m, err := machine.Restore(machine.Config{}, tree, f)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Memory().MapLazy(i.Mem, memory.MapOverlay); err != nil {
		return err
	}

	for _, ci := range m.Info() {
		if ci.Err != nil {
			fmt.Printf("cpu%d: mode %d rip %#x mp_state %d: %v\n", ci.Index, ci.Mode, ci.RIP, ci.MPState, ci.Err)

			continue
		}

		fmt.Printf("cpu%d: mode %d rip %#x mp_state %d: %s\n", ci.Index, ci.Mode, ci.RIP, ci.MPState, ci.Inst)
	}

	return nil
}

func (m *MergeCMD) Run() error {
	if len(m.Diffs) == 0 {
		return errNoDiffs
	}

	for _, d := range m.Diffs {
		if _, err := snapshot.MergeLayer(m.Base, d); err != nil {
			return fmt.Errorf("merge %s onto %s: %w", d, m.Base, err)
		}
	}

	f, err := os.Open(m.Base)
	if err != nil {
		return err
	}
	defer f.Close()

	dg, err := digest.FromReader(f)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", dg, m.Base)

	return nil
}

func loadConfig(path string) (vmm.Config, error) {
	fc := &FileConfig{}

	if path != "" {
		var err error
		if fc, err = LoadConfig(path); err != nil {
			return vmm.Config{}, err
		}
	}

	cfg, err := fc.VMMConfig()
	if err != nil {
		return vmm.Config{}, err
	}

	cfg.Console = os.Stdout
	cfg.OpenDisk = OpenDisk

	return cfg, nil
}

// demoStride spreads demo writes so every page lands in its own data range.
const demoStride = 7 * memory.PageSize

func (d *DemoCMD) Run() error {
	cfg, err := loadConfig(d.Config)
	if err != nil {
		return err
	}

	v, err := vmm.New(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	ctx := context.Background()

	if err := v.Boot(ctx); err != nil {
		return err
	}

	mem := v.Machine().Memory()
	page := make([]byte, memory.PageSize)

	for i := 0; i < d.Pages; i++ {
		for j := range page {
			page[j] = byte(i + 1)
		}

		if _, err := mem.WriteAt(page, int64(i)*demoStride); err != nil {
			return err
		}
	}

	if err := v.SetState(ctx, vmm.Paused); err != nil {
		return err
	}

	res, err := v.CreateSnapshot(vmm.CreateParams{
		SnapshotType: vmm.SnapshotType(d.Type),
		SnapshotPath: d.Snapshot,
		MemFilePath:  d.Mem,
		Version:      d.Version,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", vmm.Classify(err), err)
	}

	fmt.Printf("%s snapshot: format %s, %d entries, %d memory bytes in %s\n",
		d.Type, res.Format, res.Entries, res.MemoryBytes, res.Duration)

	return nil
}

func (r *RestoreCMD) Run() error {
	cfg, err := loadConfig(r.Config)
	if err != nil {
		return err
	}

	v, err := vmm.New(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := v.LoadSnapshot(ctx, vmm.LoadParams{
		SnapshotPath:        r.Snapshot,
		MemFilePath:         r.Mem,
		EnableDiffSnapshots: r.EnableDiff,
		ResumeVM:            r.For != 0,
	}); err != nil {
		return err
	}

	if r.For != 0 {
		runCtx := ctx

		if r.For > 0 {
			var cancel context.CancelFunc

			runCtx, cancel = context.WithTimeout(ctx, r.For)
			defer cancel()
		}

		<-runCtx.Done()

		if err := v.SetState(context.Background(), vmm.Paused); err != nil {
			return err
		}
	}

	for _, ci := range v.Machine().Info() {
		fmt.Printf("cpu%d: rip %#x %s\n", ci.Index, ci.RIP, ci.Inst)
	}

	if r.OutSnap == "" {
		return nil
	}

	res, err := v.CreateSnapshot(vmm.CreateParams{
		SnapshotType: vmm.SnapshotType(r.OutType),
		SnapshotPath: r.OutSnap,
		MemFilePath:  r.OutMem,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", vmm.Classify(err), err)
	}

	fmt.Printf("%s snapshot: %d memory bytes\n", r.OutType, res.MemoryBytes)

	return nil
}
