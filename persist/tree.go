package persist

import (
	"fmt"

	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/version"
)

// Tag identifies the kind of state an Entry carries. The set is closed:
// restore rejects tags it has no constructor for.
type Tag uint32

const (
	TagVCPU    Tag = 1
	TagIRQChip Tag = 2
	TagSerial  Tag = 3
	TagClock   Tag = 4

	TagBlock   Tag = 10
	TagNet     Tag = 11
	TagVsock   Tag = 12
	TagBalloon Tag = 13
)

var tagNames = map[Tag]string{ //nolint:gochecknoglobals
	TagVCPU:    "vcpu",
	TagIRQChip: "irqchip",
	TagSerial:  "serial",
	TagClock:   "clock",
	TagBlock:   "virtio-blk",
	TagNet:     "virtio-net",
	TagVsock:   "virtio-vsock",
	TagBalloon: "virtio-balloon",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}

	return fmt.Sprintf("Tag(%d)", uint32(t))
}

// Device is anything that contributes one Entry to the tree.
type Device interface {
	Tag() Tag
	ID() string
	Save(e *Encoder) error
}

// Entry is one device's serialized state.
type Entry struct {
	Tag     Tag
	ID      string
	Payload []byte
}

// Tree is the whole device state of a VM: the memory layout followed by
// one entry per component in registration order.
type Tree struct {
	Memory  memory.Layout
	Entries []Entry
}

// SaveEntry serializes d at format f.
func SaveEntry(d Device, f version.Format) (Entry, error) {
	e := NewEncoder(f)
	if err := d.Save(e); err != nil {
		return Entry{}, fmt.Errorf("save %s %q: %w", d.Tag(), d.ID(), err)
	}

	return Entry{Tag: d.Tag(), ID: d.ID(), Payload: e.Data()}, nil
}

// Decoder opens the entry payload at format f.
func (en Entry) Decoder(f version.Format) (*Decoder, error) {
	d, err := NewDecoder(en.Payload, f)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", en.Tag, en.ID, err)
	}

	return d, nil
}

const (
	treeRegion = 1
	treeEntry  = 2

	regionGuestAddr  = 1
	regionSize       = 2
	regionFileOffset = 3

	entryTag     = 1
	entryID      = 2
	entryPayload = 3
)

// EncodeTree serializes t. Entry payloads must already be at format f.
func EncodeTree(t Tree, f version.Format) ([]byte, error) {
	e := NewEncoder(f)

	for _, r := range t.Memory {
		r := r
		_ = e.PutMessage(treeRegion, func(e *Encoder) error {
			e.PutUint(regionGuestAddr, r.GuestAddr)
			e.PutUint(regionSize, r.Size)
			e.PutUint(regionFileOffset, r.FileOffset)

			return nil
		})
	}

	for _, en := range t.Entries {
		en := en
		_ = e.PutMessage(treeEntry, func(e *Encoder) error {
			e.PutUint(entryTag, uint64(en.Tag))
			e.PutString(entryID, en.ID)
			e.PutBytes(entryPayload, en.Payload)

			return nil
		})
	}

	return e.Data(), nil
}

// DecodeTree parses a tree written at format f.
func DecodeTree(payload []byte, f version.Format) (Tree, error) {
	d, err := NewDecoder(payload, f)
	if err != nil {
		return Tree{}, err
	}

	regions, err := d.Messages(treeRegion)
	if err != nil {
		return Tree{}, err
	}

	var t Tree

	for _, rd := range regions {
		var r memory.Region

		if r.GuestAddr, err = rd.Uint(regionGuestAddr); err != nil {
			return Tree{}, err
		}

		if r.Size, err = rd.Uint(regionSize); err != nil {
			return Tree{}, err
		}

		if r.FileOffset, err = rd.Uint(regionFileOffset); err != nil {
			return Tree{}, err
		}

		t.Memory = append(t.Memory, r)
	}

	if err := t.Memory.Validate(); err != nil {
		return Tree{}, fmt.Errorf("%w: memory layout: %v", ErrDeserialization, err)
	}

	entries, err := d.Messages(treeEntry)
	if err != nil {
		return Tree{}, err
	}

	for _, ed := range entries {
		tag, err := ed.Uint(entryTag)
		if err != nil {
			return Tree{}, err
		}

		id, err := ed.String(entryID)
		if err != nil {
			return Tree{}, err
		}

		p, err := ed.Bytes(entryPayload)
		if err != nil {
			return Tree{}, err
		}

		t.Entries = append(t.Entries, Entry{Tag: Tag(tag), ID: id, Payload: p})
	}

	return t, nil
}

// Count returns the number of entries carrying tag.
func (t Tree) Count(tag Tag) int {
	n := 0

	for _, en := range t.Entries {
		if en.Tag == tag {
			n++
		}
	}

	return n
}
