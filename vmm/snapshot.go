package vmm

// snapshot.go – CreateSnapshot and LoadSnapshot.
//
// Create (VM paused):
//  1. Resolve the target format from the requested release, current if none.
//  2. Serialize the device state tree at that format.
//  3. Stage the SnapshotFile and the memory file as temp files next to
//     their targets and fsync both.
//  4. Rename the memory file, then the SnapshotFile. A snapshot path only
//     ever names a complete file whose memory file is already in place.
//  5. Clear the dirty bitmap.
//
// Load (pristine VMM):
//  1. Read the SnapshotFile and check its CRC before looking at the payload.
//  2. Plan the translation from the stored format to the current one.
//  3. Decode the tree and rebuild every component in tree order.
//  4. Map the memory file copy-on-write over guest memory.
//  5. Clear the dirty bitmap, arm tracking when asked, start the threads
//     parked and optionally resume.
// Any failure after the precondition check is fatal.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/atomicfile"
	"github.com/bobuhiro11/gosnap/machine"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/runctl"
	"github.com/bobuhiro11/gosnap/snapshot"
	"github.com/bobuhiro11/gosnap/version"
)

// SnapshotType selects what the memory file holds.
type SnapshotType string

const (
	Full SnapshotType = "Full"
	Diff SnapshotType = "Diff"
)

// CreateParams are the arguments of CreateSnapshot.
type CreateParams struct {
	SnapshotType SnapshotType `json:"snapshot_type" toml:"snapshot_type"`
	SnapshotPath string       `json:"snapshot_path" toml:"snapshot_path"`
	MemFilePath  string       `json:"mem_file_path" toml:"mem_file_path"`
	// Version is a release string; the snapshot is written in the format
	// that release reads. Empty means the current format.
	Version string `json:"version,omitempty" toml:"version"`
}

// LoadParams are the arguments of LoadSnapshot.
type LoadParams struct {
	SnapshotPath        string `json:"snapshot_path" toml:"snapshot_path"`
	MemFilePath         string `json:"mem_file_path" toml:"mem_file_path"`
	EnableDiffSnapshots bool   `json:"enable_diff_snapshots" toml:"enable_diff_snapshots"`
	ResumeVM            bool   `json:"resume_vm" toml:"resume_vm"`
}

// CreateResult describes a written snapshot.
type CreateResult struct {
	Format      version.Format
	Entries     int
	MemoryBytes int64
	Duration    time.Duration
}

func (p CreateParams) validate() error {
	switch p.SnapshotType {
	case Full, Diff:
	default:
		return fmt.Errorf("%w: snapshot type %q", ErrPrecondition, p.SnapshotType)
	}

	if p.SnapshotPath == "" || p.MemFilePath == "" {
		return fmt.Errorf("%w: snapshot and memory file paths are required", ErrPrecondition)
	}

	if p.SnapshotPath == p.MemFilePath {
		return fmt.Errorf("%w: snapshot and memory file share path %s", ErrPrecondition, p.SnapshotPath)
	}

	return nil
}

func (v *VMM) targetFormat(rel string) (version.Format, error) {
	if rel == "" {
		return v.versions.Current, nil
	}

	f, err := v.versions.Resolve(rel)
	if err != nil {
		return 0, err
	}

	if _, err := v.versions.Plan(v.versions.Current, f); err != nil {
		return 0, err
	}

	return f, nil
}

// CreateSnapshot writes the paused VM to p.SnapshotPath and its memory to
// p.MemFilePath. The VM stays paused whatever the outcome. On failure no
// file is left at either path that was not there before, and once the memory
// file has replaced an older one both paths are removed. Disks attached to
// the VM are not flushed.
func (v *VMM) CreateSnapshot(p CreateParams) (CreateResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	res, err := v.create(p)
	if err != nil {
		v.metrics.fail("create", err)

		return CreateResult{}, err
	}

	return res, nil
}

func (v *VMM) create(p CreateParams) (CreateResult, error) {
	start := time.Now()

	if err := v.usable(); err != nil {
		return CreateResult{}, err
	}

	if v.state != runctl.Paused {
		return CreateResult{}, fmt.Errorf("%w: create snapshot needs a paused vm, state is %s", ErrPrecondition, v.state)
	}

	if err := p.validate(); err != nil {
		return CreateResult{}, err
	}

	f, err := v.targetFormat(p.Version)
	if err != nil {
		return CreateResult{}, err
	}

	tree, err := v.m.SaveState(f)
	if err != nil {
		return CreateResult{}, err
	}

	payload, err := persist.EncodeTree(tree, f)
	if err != nil {
		return CreateResult{}, err
	}

	mem := v.m.Memory()

	snapFile, err := atomicfile.Create(p.SnapshotPath)
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	memFile, err := atomicfile.Create(p.MemFilePath)
	if err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile)
	}

	if err := snapshot.Encode(snapFile, uint16(f), payload); err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile, memFile)
	}

	var memBytes int64

	if p.SnapshotType == Diff {
		memBytes, err = mem.DumpDiff(memFile.File)
	} else {
		memBytes, err = mem.DumpFull(memFile.File)
	}

	if err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile, memFile)
	}

	if err := memFile.Sync(); err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile, memFile)
	}

	if err := snapFile.Sync(); err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile, memFile)
	}

	pages, err := mem.DirtyPages()
	if err != nil {
		log.WithError(err).Warn("cannot count dirty pages")
	}

	if err := memFile.Commit(); err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err), snapFile, memFile)
	}

	// Once the memory file is published, a SnapshotFile at SnapshotPath,
	// whether new or left from an earlier create, no longer matches it.
	if err := snapFile.Commit(); err != nil {
		return CreateResult{}, abort(fmt.Errorf("%w: %w", ErrIO, err),
			snapFile, removal(p.SnapshotPath), removal(p.MemFilePath))
	}

	if err := mem.ClearDirtyBitmap(); err != nil {
		return CreateResult{}, fmt.Errorf("snapshot written but dirty bitmap not cleared: %w", err)
	}

	res := CreateResult{
		Format:      f,
		Entries:     len(tree.Entries),
		MemoryBytes: memBytes,
		Duration:    time.Since(start),
	}

	typ := string(p.SnapshotType)
	v.metrics.createDuration.WithLabelValues(typ).Observe(res.Duration.Seconds())
	v.metrics.bytesWritten.WithLabelValues("snapshot").Add(float64(snapshot.HeaderSize + len(payload)))
	v.metrics.bytesWritten.WithLabelValues("memory").Add(float64(memBytes))

	if p.SnapshotType == Diff {
		v.metrics.dirtyPages.Add(float64(pages))
	}

	log.WithFields(logrus.Fields{
		"type":          typ,
		"snapshot_path": p.SnapshotPath,
		"mem_file_path": p.MemFilePath,
		"format":        f.String(),
		"entries":       res.Entries,
		"memory_bytes":  memBytes,
		"duration":      res.Duration.String(),
	}).Info("snapshot created")

	return res, nil
}

// aborter is a staged or already published file to roll back.
type aborter interface {
	Abort() error
}

// removal undoes a rename that already happened.
type removal string

func (r removal) Abort() error {
	if err := os.Remove(string(r)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", string(r), err)
	}

	return nil
}

// abort rolls back every file and returns err with any cleanup failures
// appended.
func abort(err error, files ...aborter) error {
	result := multierror.Append(nil, err)

	for _, f := range files {
		if cerr := f.Abort(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}

	if len(result.Errors) == 1 {
		return err
	}

	return result
}

// LoadSnapshot rebuilds the VM from a snapshot. It must be the first thing
// the VMM does. Precondition violations are returned without side effects;
// every later failure is handed to Config.Fatal and leaves the VMM
// unusable.
func (v *VMM) LoadSnapshot(ctx context.Context, p LoadParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}

	if v.used {
		return fmt.Errorf("%w: load snapshot needs a pristine vmm", ErrPrecondition)
	}

	if p.SnapshotPath == "" || p.MemFilePath == "" {
		return fmt.Errorf("%w: snapshot and memory file paths are required", ErrPrecondition)
	}

	v.used = true

	if err := v.load(ctx, p); err != nil {
		v.poisoned = err
		v.metrics.fail("load", err)
		v.cfg.Fatal(err)

		return err
	}

	return nil
}

func (v *VMM) load(ctx context.Context, p LoadParams) error {
	start := time.Now()

	h, payload, err := snapshot.ReadFile(p.SnapshotPath)
	if err != nil {
		return fmt.Errorf("%s: %w", p.SnapshotPath, err)
	}

	stored := version.Format(h.Version)

	tr, err := v.versions.Plan(stored, v.versions.Current)
	if err != nil {
		return fmt.Errorf("%s: %w", p.SnapshotPath, err)
	}

	tree, err := persist.DecodeTree(payload, stored)
	if err != nil {
		return err
	}

	m, err := machine.Restore(v.cfg.machine(), tree, stored)
	if err != nil {
		return err
	}

	if err := v.attachMemory(m, p); err != nil {
		m.Close()

		return err
	}

	if err := v.attachHost(m); err != nil {
		m.Close()

		return err
	}

	if err := m.Launch(ctx); err != nil {
		v.release(m)

		return err
	}

	v.m, v.state = m, runctl.Paused
	d := time.Since(start)
	v.metrics.loadDuration.Observe(d.Seconds())

	log.WithFields(logrus.Fields{
		"snapshot_path": p.SnapshotPath,
		"mem_file_path": p.MemFilePath,
		"format":        stored.String(),
		"translation":   tr.Direction.String(),
		"entries":       len(tree.Entries),
		"backend":       v.cfg.MemBackend.String(),
		"duration":      d.String(),
	}).Info("snapshot loaded")

	if p.ResumeVM {
		return v.resume()
	}

	return nil
}

func (v *VMM) attachMemory(m *machine.Machine, p LoadParams) error {
	mem := m.Memory()

	if err := mem.MapLazy(p.MemFilePath, v.cfg.MemBackend); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := mem.ClearDirtyBitmap(); err != nil {
		return err
	}

	if p.EnableDiffSnapshots {
		return mem.EnableDirtyTracking()
	}

	return nil
}
