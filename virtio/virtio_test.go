package virtio_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/runctl"
	"github.com/bobuhiro11/gosnap/version"
	"github.com/bobuhiro11/gosnap/virtio"
)

const slot = 3

func line(t *testing.T, chip *irqchip.Chip, owner string) *irqchip.Line {
	t.Helper()

	l, err := chip.Allocate(5, owner)
	require.NoError(t, err)

	return l
}

func bar(t *testing.T, d pci.Device, off uint64) uint64 {
	t.Helper()

	start, _ := d.GetIORange()

	return start + off
}

func write32(t *testing.T, d pci.Device, off uint64, v uint32) {
	t.Helper()
	require.NoError(t, d.Write(bar(t, d, off), binary.LittleEndian.AppendUint32(nil, v)))
}

func write16(t *testing.T, d pci.Device, off uint64, v uint16) {
	t.Helper()
	require.NoError(t, d.Write(bar(t, d, off), binary.LittleEndian.AppendUint16(nil, v)))
}

func read32(t *testing.T, d pci.Device, off uint64) uint32 {
	t.Helper()

	b := make([]byte, 4)
	require.NoError(t, d.Read(bar(t, d, off), b))

	return binary.LittleEndian.Uint32(b)
}

// setupQueues programs every queue the way a legacy driver does.
func setupQueues(t *testing.T, d virtio.Device) {
	t.Helper()

	for i := range d.Transport().Queues {
		write16(t, d, 14, uint16(i))
		write32(t, d, 8, uint32(0x100+i))
	}

	require.NoError(t, d.Write(bar(t, d, 18), []byte{0x7}))
}

func roundTrip(t *testing.T, d persist.Device, f version.Format) *persist.Decoder {
	t.Helper()

	en, err := persist.SaveEntry(d, f)
	require.NoError(t, err)

	dec, err := en.Decoder(f)
	require.NoError(t, err)

	return dec
}

func newMem(t *testing.T) *memory.Memory {
	t.Helper()

	m, err := memory.NewAnonymous(64 * memory.PageSize)
	require.NoError(t, err)

	t.Cleanup(func() { m.Close() })

	return m
}

func startWorker(t *testing.T, d virtio.Device) (*virtio.Worker, *runctl.Barrier) {
	t.Helper()

	b := runctl.NewBarrier()
	b.Start()

	w := virtio.NewWorker(d.ID(), b)
	d.Start(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		w.Close()
		<-done
	})

	return w, b
}

func TestTransportRegisters(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	l := line(t, chip, "blk0")
	v := virtio.NewBlk(virtio.BlkConfig{ID: "blk0", Capacity: 8}, slot, l, newMem(t), nil)

	hdr := v.GetDeviceHeader()
	assert.Equal(t, uint16(0x1AF4), hdr.VendorID)
	assert.Equal(t, uint16(0x1001), hdr.DeviceID)
	assert.Equal(t, uint8(l.GSI()), hdr.InterruptLine)

	start, end := v.GetIORange()
	wantStart, wantEnd := pci.SlotIORange(slot)
	assert.Equal(t, wantStart, start)
	assert.Equal(t, wantEnd, end)

	offered := read32(t, v, 0)
	assert.NotZero(t, offered&uint32(virtio.BlkFeatureFlush))

	write32(t, v, 4, 0xffffffff)
	assert.Equal(t, offered, read32(t, v, 4), "driver cannot take what is not offered")

	setupQueues(t, v)
	q, err := v.Transport().Queue(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), q.PFN)
	assert.Equal(t, uint32(virtio.QueueSize), uint32(q.Size))

	// Capacity is the first config word.
	assert.Equal(t, uint32(8), read32(t, v, 20))

	_, err = v.Transport().Queue(1)
	require.ErrorIs(t, err, virtio.ErrQueueIndex)

	// Status 0 resets the device.
	require.NoError(t, v.Write(bar(t, v, 18), []byte{0}))
	q, err = v.Transport().Queue(0)
	require.NoError(t, err)
	assert.False(t, q.Ready())
	assert.Zero(t, v.Transport().DriverFeatures)
}

func TestISRReadAcknowledges(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	l := line(t, chip, "blk0")
	v := virtio.NewBlk(virtio.BlkConfig{ID: "blk0", Capacity: 8}, slot, l, newMem(t), nil)

	v.Transport().Kick()
	assert.True(t, chip.Level(l.GSI()))

	b := []byte{0}
	require.NoError(t, v.Read(bar(t, v, 19), b))
	assert.Equal(t, byte(1), b[0])
	assert.False(t, chip.Level(l.GSI()))
	assert.Zero(t, v.Transport().ISR)
}

func TestKnownFeaturesGrowWithFormat(t *testing.T) {
	t.Parallel()

	assert.Zero(t, virtio.KnownFeatures(virtio.TypeBlock, version.FormatBalloon)&virtio.FeatureEventIdx)
	assert.NotZero(t, virtio.KnownFeatures(virtio.TypeBlock, version.FormatDeviceOptions)&virtio.FeatureEventIdx)
	assert.Zero(t, virtio.KnownFeatures(virtio.TypeNet, version.FormatDeviceOptions)&virtio.NetFeatureMrgRxbuf)
	assert.NotZero(t, virtio.KnownFeatures(virtio.TypeNet, version.FormatSerialDivisor)&virtio.NetFeatureMrgRxbuf)
}

func TestBlkDMAMarksDirtyPages(t *testing.T) {
	t.Parallel()

	mem := newMem(t)
	require.NoError(t, mem.EnableDirtyTracking())

	disk := make(diskBuf, 16*virtio.SectorSize)
	copy(disk[virtio.SectorSize:], "hello")

	chip := irqchip.New()
	v := virtio.NewBlk(virtio.BlkConfig{ID: "blk0", Capacity: 16}, slot, line(t, chip, "blk0"), mem, disk)
	setupQueues(t, v)
	startWorker(t, v)

	gpa := uint64(5 * memory.PageSize)
	require.NoError(t, <-v.Submit(virtio.BlkRequest{Sector: 1, GPA: gpa, Len: virtio.SectorSize}))

	assert.True(t, mem.IsDirty(gpa))
	assert.False(t, mem.IsDirty(gpa+memory.PageSize))

	got := make([]byte, 5)
	_, err := mem.ReadAt(got, int64(gpa))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	q, err := v.Transport().Queue(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), q.NextAvail)
	assert.Equal(t, uint16(1), q.NextUsed)

	// Guest to disk.
	_, err = mem.WriteAt([]byte("world"), int64(gpa))
	require.NoError(t, err)
	require.NoError(t, <-v.Submit(virtio.BlkRequest{Write: true, Sector: 2, GPA: gpa, Len: 5}))
	assert.Equal(t, "world", string(disk[2*virtio.SectorSize:2*virtio.SectorSize+5]))

	err = <-v.Submit(virtio.BlkRequest{Sector: 16, GPA: gpa, Len: 1})
	require.Error(t, err)
}

func TestBlkReadOnlyAndNotStarted(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewBlk(virtio.BlkConfig{ID: "ro", Capacity: 4, ReadOnly: true},
		slot, line(t, chip, "ro"), newMem(t), make(diskBuf, 4*virtio.SectorSize))

	require.ErrorIs(t, <-v.Submit(virtio.BlkRequest{Len: 1}), virtio.ErrNotStarted)

	setupQueues(t, v)
	startWorker(t, v)
	require.ErrorIs(t, <-v.Submit(virtio.BlkRequest{Write: true, Len: 1}), virtio.ErrReadOnly)
}

func TestPausedWorkerHoldsRequests(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewBlk(virtio.BlkConfig{ID: "blk0", Capacity: 4}, slot, line(t, chip, "blk0"),
		newMem(t), make(diskBuf, 4*virtio.SectorSize))
	setupQueues(t, v)

	_, b := startWorker(t, v)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.Pause(ctx))

	done := v.Submit(virtio.BlkRequest{Len: 1})

	select {
	case err := <-done:
		t.Fatalf("request completed while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	b.Resume()
	require.NoError(t, <-done)
}

func TestBlkSaveRestore(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	cfg := virtio.BlkConfig{ID: "rootfs", Capacity: 1 << 20, CacheType: virtio.CacheWriteback, Path: "/img/rootfs.ext4"}
	v := virtio.NewBlk(cfg, slot, line(t, chip, "rootfs"), newMem(t), nil)
	setupQueues(t, v)
	v.Transport().Negotiate(virtio.FeatureVersion1 | virtio.FeatureEventIdx)

	dec := roundTrip(t, v, version.Current)

	fresh := irqchip.New()
	got, err := virtio.RestoreBlk(dec, "rootfs", fresh, newMem(t), nil)
	require.NoError(t, err)

	assert.Equal(t, cfg, got.Config())
	assert.Equal(t, v.Transport().Queues, got.Transport().Queues)
	assert.Equal(t, v.Transport().DriverFeatures, got.Transport().DriverFeatures)
	assert.Equal(t, v.Transport().Status, got.Transport().Status)
	assert.Equal(t, "rootfs", fresh.Owner(got.Transport().Line().GSI()))
}

func TestBlkCacheTypeNeedsDeviceOptions(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewBlk(virtio.BlkConfig{ID: "b", Capacity: 8, CacheType: virtio.CacheWriteback},
		slot, line(t, chip, "b"), newMem(t), nil)

	_, err := persist.SaveEntry(v, version.FormatBalloon)
	require.ErrorIs(t, err, persist.ErrSerialization)

	u := virtio.NewBlk(virtio.BlkConfig{ID: "u", Capacity: 8}, slot+1, line(t, chip, "u"), newMem(t), nil)
	dec := roundTrip(t, u, version.FormatBalloon)

	got, err := virtio.RestoreBlk(dec, "u", irqchip.New(), newMem(t), nil)
	require.NoError(t, err)
	assert.Equal(t, virtio.CacheUnsafe, got.Config().CacheType)
}

func TestNegotiatedFeatureUnknownToTarget(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	mac, _ := net.ParseMAC("06:00:ac:10:00:02")
	n := virtio.NewNet(virtio.NetConfig{ID: "eth0", MAC: mac}, slot, line(t, chip, "eth0"), newMem(t))
	setupQueues(t, n)
	n.Transport().Negotiate(^uint64(0))
	require.NotZero(t, n.Transport().DriverFeatures&virtio.NetFeatureMrgRxbuf)

	_, err := persist.SaveEntry(n, version.FormatDeviceOptions)
	require.ErrorIs(t, err, persist.ErrSerialization)
	require.ErrorIs(t, err, virtio.ErrUnknownFeats)

	// Without the bit the older format is fine.
	n.Transport().Negotiate(virtio.FeatureVersion1 | virtio.NetFeatureMAC)
	_, err = persist.SaveEntry(n, version.FormatDeviceOptions)
	require.NoError(t, err)
}

//nolint:paralleltest
func TestNetMMDSDowngrade(t *testing.T) {
	hook := logtest.NewGlobal()

	chip := irqchip.New()
	mac, _ := net.ParseMAC("06:00:ac:10:00:02")
	n := virtio.NewNet(virtio.NetConfig{ID: "eth0", MAC: mac, MMDS: virtio.MMDSV2},
		slot, line(t, chip, "eth0"), newMem(t))

	dec := roundTrip(t, n, version.Current)
	got, err := virtio.RestoreNet(dec, "eth0", irqchip.New(), newMem(t))
	require.NoError(t, err)
	assert.Equal(t, virtio.MMDSV2, got.Config().MMDS)
	assert.Equal(t, mac, got.Config().MAC)

	hook.Reset()

	dec = roundTrip(t, n, version.FormatBalloon)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	got, err = virtio.RestoreNet(dec, "eth0", irqchip.New(), newMem(t))
	require.NoError(t, err)
	assert.Equal(t, virtio.MMDSV1, got.Config().MMDS)
}

func TestNetDeliver(t *testing.T) {
	t.Parallel()

	mem := newMem(t)
	require.NoError(t, mem.EnableDirtyTracking())

	chip := irqchip.New()
	n := virtio.NewNet(virtio.NetConfig{ID: "eth0"}, slot, line(t, chip, "eth0"), mem)
	setupQueues(t, n)
	startWorker(t, n)

	require.NoError(t, <-n.Deliver([]byte{1, 2, 3}, 9*memory.PageSize))
	assert.True(t, mem.IsDirty(9*memory.PageSize))
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	m, err := virtio.ParseMMDSVersion("V2")
	require.NoError(t, err)
	assert.Equal(t, virtio.MMDSV2, m)

	_, err = virtio.ParseMMDSVersion("V3")
	require.Error(t, err)

	c, err := virtio.ParseCacheType("")
	require.NoError(t, err)
	assert.Equal(t, virtio.CacheUnsafe, c)

	_, err = virtio.ParseCacheType("Directsync")
	require.Error(t, err)
}

func TestVsockSaveResetsTransport(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewVsock(virtio.VsockConfig{ID: "vsock", GuestCID: 3, UDSPath: "/tmp/v.sock"},
		slot, line(t, chip, "vsock"))
	setupQueues(t, v)
	v.Connect()
	v.Connect()
	require.Equal(t, 2, v.Connections())

	dec := roundTrip(t, v, version.Current)
	assert.Zero(t, v.Connections())
	assert.True(t, v.EventPending())

	got, err := virtio.RestoreVsock(dec, "vsock", irqchip.New())
	require.NoError(t, err)
	assert.True(t, got.EventPending())
	assert.Zero(t, got.Connections())
	assert.Equal(t, v.Config(), got.Config())
}

func TestVsockRejectsReservedCID(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewVsock(virtio.VsockConfig{ID: "vsock", GuestCID: 2}, slot, line(t, chip, "vsock"))

	_, err := virtio.RestoreVsock(roundTrip(t, v, version.Current), "vsock", irqchip.New())
	require.ErrorIs(t, err, persist.ErrDeserialization)
}

func TestBalloon(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	v := virtio.NewBalloon(virtio.BalloonConfig{ID: "balloon", AmountMiB: 2, DeflateOnOOM: true, StatsPollingIntervalS: 1},
		slot, line(t, chip, "balloon"))
	require.Len(t, v.Transport().Queues, 3)

	v.Inflate(100)
	v.Inflate(1000)
	assert.Equal(t, uint32(512), v.ActualPages(), "capped at the target")
	assert.Equal(t, uint32(512), read32(t, v, 20))

	setupQueues(t, v)

	for _, test := range []struct {
		format version.Format
		ok     bool
	}{
		{version.FormatInitial, false},
		{version.FormatBalloon, true},
		{version.Current, true},
	} {
		test := test
		t.Run(test.format.String(), func(t *testing.T) {
			t.Parallel()

			en, err := persist.SaveEntry(v, test.format)
			if !test.ok {
				require.ErrorIs(t, err, persist.ErrSerialization)

				return
			}

			require.NoError(t, err)

			dec, err := en.Decoder(test.format)
			require.NoError(t, err)

			got, err := virtio.RestoreBalloon(dec, "balloon", irqchip.New())
			require.NoError(t, err)
			assert.Equal(t, v.Config(), got.Config())
			assert.Equal(t, v.ActualPages(), got.ActualPages())
		})
	}
}

func TestRestoreRejectsTakenLine(t *testing.T) {
	t.Parallel()

	chip := irqchip.New()
	l := line(t, chip, "blk0")
	v := virtio.NewBlk(virtio.BlkConfig{ID: "blk0", Capacity: 8}, slot, l, newMem(t), nil)

	dec := roundTrip(t, v, version.Current)

	fresh := irqchip.New()
	_, err := fresh.Claim(l.GSI(), "someone")
	require.NoError(t, err)

	_, err = virtio.RestoreBlk(dec, "blk0", fresh, newMem(t), nil)
	require.ErrorIs(t, err, irqchip.ErrLineTaken)
}

// diskBuf is an in-memory disk.
type diskBuf []byte

func (d diskBuf) ReadAt(p []byte, off int64) (int, error)  { return copy(p, d[off:]), nil }
func (d diskBuf) WriteAt(p []byte, off int64) (int, error) { return copy(d[off:], p), nil }
