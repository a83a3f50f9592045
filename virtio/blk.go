package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

const SectorSize = 512

var (
	ErrReadOnly     = errors.New("block device is read-only")
	ErrNotStarted   = errors.New("device worker not started")
	errBadCacheType = errors.New("unknown block cache type")
)

// CacheType is the host caching policy of a block device. Unsafe ignores
// guest flushes; Writeback honours them.
type CacheType uint8

const (
	CacheUnsafe CacheType = iota
	CacheWriteback
)

func (c CacheType) String() string {
	switch c {
	case CacheUnsafe:
		return "Unsafe"
	case CacheWriteback:
		return "Writeback"
	default:
		return fmt.Sprintf("CacheType(%d)", uint8(c))
	}
}

// ParseCacheType accepts the names produced by String; empty is Unsafe.
func ParseCacheType(s string) (CacheType, error) {
	switch s {
	case "", "Unsafe":
		return CacheUnsafe, nil
	case "Writeback":
		return CacheWriteback, nil
	default:
		return 0, fmt.Errorf("%w %q", errBadCacheType, s)
	}
}

// Disk is the backing store of a block device.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

// BlkConfig describes a block device.
type BlkConfig struct {
	ID        string
	Capacity  uint64 // sectors
	ReadOnly  bool
	CacheType CacheType
	Path      string
}

// Blk is a virtio-blk device.
type Blk struct {
	tr     *Transport
	cfg    BlkConfig
	mem    GuestMemory
	disk   Disk
	worker *Worker
}

var _ Device = (*Blk)(nil)

// NewBlk returns a block device in slot raising line.
func NewBlk(cfg BlkConfig, slot int, line *irqchip.Line, mem GuestMemory, disk Disk) *Blk {
	features := FeatureVersion1 | FeatureIndirectDesc | FeatureEventIdx | BlkFeatureFlush
	if cfg.ReadOnly {
		features |= BlkFeatureRO
	}

	v := &Blk{
		tr:   newTransport(TypeBlock, slot, line, features, 1),
		cfg:  cfg,
		mem:  mem,
		disk: disk,
	}
	v.tr.config = v.configSpace

	return v
}

func (v *Blk) configSpace() []byte {
	return binary.LittleEndian.AppendUint64(nil, v.cfg.Capacity)
}

// Config returns the device configuration.
func (v *Blk) Config() BlkConfig { return v.cfg }

// AttachDisk sets the backing store. Only valid before the worker runs.
func (v *Blk) AttachDisk(disk Disk) { v.disk = disk }

func (v *Blk) Tag() persist.Tag                     { return persist.TagBlock }
func (v *Blk) ID() string                           { return v.cfg.ID }
func (v *Blk) Transport() *Transport                { return v.tr }
func (v *Blk) Start(w *Worker)                      { v.worker = w }
func (v *Blk) GetIORange() (uint64, uint64)         { return v.tr.GetIORange() }
func (v *Blk) Read(port uint64, data []byte) error  { return v.tr.Read(port, data) }
func (v *Blk) Write(port uint64, data []byte) error { return v.tr.Write(port, data) }

// GetDeviceHeader is the PCI configuration header.
func (v *Blk) GetDeviceHeader() pci.DeviceHeader { return v.tr.GetDeviceHeader() }

// BlkRequest is one request taken off the virtqueue.
type BlkRequest struct {
	Write  bool
	Sector uint64
	GPA    uint64
	Len    int
}

// Submit queues req on the device worker. Reads DMA disk data into guest
// memory; writes copy guest memory to the disk. Disk writes are not synced:
// flushing is the caller's job before a snapshot.
func (v *Blk) Submit(req BlkRequest) <-chan error {
	if v.worker == nil {
		done := make(chan error, 1)
		done <- ErrNotStarted

		return done
	}

	return v.worker.Submit(func() error { return v.serve(req) })
}

func (v *Blk) serve(req BlkRequest) error {
	if end := req.Sector*SectorSize + uint64(req.Len); end > v.cfg.Capacity*SectorSize {
		return fmt.Errorf("%s: request [%d+%d] beyond capacity", v.cfg.ID, req.Sector, req.Len)
	}

	buf := make([]byte, req.Len)
	off := int64(req.Sector * SectorSize)

	if req.Write {
		if v.cfg.ReadOnly {
			return ErrReadOnly
		}

		if _, err := v.mem.ReadAt(buf, int64(req.GPA)); err != nil {
			return fmt.Errorf("%s: read guest buffer: %w", v.cfg.ID, err)
		}

		if v.disk != nil {
			if _, err := v.disk.WriteAt(buf, off); err != nil {
				return fmt.Errorf("%s: write disk: %w", v.cfg.ID, err)
			}
		}
	} else {
		if v.disk != nil {
			if _, err := v.disk.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("%s: read disk: %w", v.cfg.ID, err)
			}
		}

		if _, err := v.mem.WriteAt(buf, int64(req.GPA)); err != nil {
			return fmt.Errorf("%s: write guest buffer: %w", v.cfg.ID, err)
		}
	}

	if err := v.tr.advance(0); err != nil {
		return err
	}

	v.tr.Kick()

	return nil
}

const (
	blkFieldTransport = 1
	blkFieldCapacity  = 2
	blkFieldReadOnly  = 3
	blkFieldCacheType = 4 // since FormatDeviceOptions
	blkFieldPath      = 5
)

// Save writes the device. A non-default cache type has no representation
// before FormatDeviceOptions and fails the save.
func (v *Blk) Save(e *persist.Encoder) error {
	if err := v.tr.save(e, blkFieldTransport); err != nil {
		return err
	}

	e.PutUint(blkFieldCapacity, v.cfg.Capacity)
	e.PutBool(blkFieldReadOnly, v.cfg.ReadOnly)
	e.PutString(blkFieldPath, v.cfg.Path)

	switch {
	case e.Since(version.FormatDeviceOptions):
		e.PutUint(blkFieldCacheType, uint64(v.cfg.CacheType))
	case v.cfg.CacheType != CacheUnsafe:
		return fmt.Errorf("%w: %s cache type %s needs format %d, target is %d",
			persist.ErrSerialization, v.cfg.ID, v.cfg.CacheType, version.FormatDeviceOptions, e.Format())
	}

	return nil
}

// RestoreBlk rebuilds a block device saved under id.
func RestoreBlk(d *persist.Decoder, id string, chip *irqchip.Chip, mem GuestMemory, disk Disk) (*Blk, error) {
	tr, err := restoreTransport(d, blkFieldTransport, TypeBlock, 1, chip, id)
	if err != nil {
		return nil, err
	}

	cfg := BlkConfig{ID: id}

	if cfg.Capacity, err = d.Uint(blkFieldCapacity); err != nil {
		return nil, err
	}

	if cfg.ReadOnly, err = d.Bool(blkFieldReadOnly); err != nil {
		return nil, err
	}

	if cfg.Path, err = d.String(blkFieldPath); err != nil {
		return nil, err
	}

	ct, err := d.UintOr(blkFieldCacheType, uint64(CacheUnsafe))
	if err != nil {
		return nil, err
	}

	if ct > uint64(CacheWriteback) {
		return nil, fmt.Errorf("%w: %s cache type %d", persist.ErrDeserialization, id, ct)
	}

	cfg.CacheType = CacheType(ct)

	v := &Blk{tr: tr, cfg: cfg, mem: mem, disk: disk}
	v.tr.config = v.configSpace

	log.WithFields(logrus.Fields{"id": id, "slot": tr.Slot, "cache": cfg.CacheType}).Debug("block device restored")

	return v, nil
}
