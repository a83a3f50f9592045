// Package snapshot frames a serialized device state tree as a SnapshotFile
// and merges Diff memory files onto their base.
//
// A SnapshotFile is a 32 byte little endian header followed by the payload:
//
//	magic   [8]byte  "GOSNAPv1"
//	version uint16   device state format of the payload
//	_       [6]byte
//	crc64   uint64   CRC-64/ECMA of the payload
//	length  uint64   payload bytes
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"

	"github.com/bobuhiro11/gosnap/atomicfile"
)

// HeaderSize is the encoded header length.
const HeaderSize = 32

// maxPayload bounds the allocation made from an untrusted length field.
const maxPayload = 1 << 30

var magic = [8]byte{'G', 'O', 'S', 'N', 'A', 'P', 'v', '1'} //nolint:gochecknoglobals

var ecma = crc64.MakeTable(crc64.ECMA) //nolint:gochecknoglobals

// ErrIntegrity reports a SnapshotFile that is truncated, has a bad magic or
// fails its checksum.
var ErrIntegrity = errors.New("snapshot file integrity check failed")

// Header is the decoded SnapshotFile header.
type Header struct {
	Version uint16
	CRC     uint64
	Length  uint64
}

type rawHeader struct {
	Magic    [8]byte
	Version  uint16
	Reserved [6]byte
	CRC      uint64
	Length   uint64
}

// Checksum returns the CRC-64/ECMA of payload.
func Checksum(payload []byte) uint64 { return crc64.Checksum(payload, ecma) }

// Verify reports whether payload matches the header length and checksum.
func Verify(h Header, payload []byte) bool {
	return uint64(len(payload)) == h.Length && Checksum(payload) == h.CRC
}

// Encode writes the header and payload to w.
func Encode(w io.Writer, version uint16, payload []byte) error {
	raw := rawHeader{
		Magic:   magic,
		Version: version,
		CRC:     Checksum(payload),
		Length:  uint64(len(payload)),
	}

	if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write snapshot payload: %w", err)
	}

	return nil
}

// Decode reads a SnapshotFile and validates it before returning the payload.
func Decode(r io.Reader) (Header, []byte, error) {
	var raw rawHeader

	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, nil, fmt.Errorf("%w: header: %v", ErrIntegrity, err)
	}

	if raw.Magic != magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic %q", ErrIntegrity, raw.Magic[:])
	}

	h := Header{Version: raw.Version, CRC: raw.CRC, Length: raw.Length}

	if h.Length > maxPayload {
		return h, nil, fmt.Errorf("%w: payload length %d", ErrIntegrity, h.Length)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("%w: payload: %v", ErrIntegrity, err)
	}

	// Trailing bytes mean the length field lies.
	if n, _ := io.CopyN(io.Discard, r, 1); n != 0 {
		return h, nil, fmt.Errorf("%w: trailing data after payload", ErrIntegrity)
	}

	if !Verify(h, payload) {
		return h, nil, fmt.Errorf("%w: crc64 %#016x, want %#016x", ErrIntegrity, Checksum(payload), h.CRC)
	}

	return h, payload, nil
}

// Marshal returns the encoded SnapshotFile.
func Marshal(version uint16, payload []byte) []byte {
	var buf bytes.Buffer

	buf.Grow(HeaderSize + len(payload))
	_ = Encode(&buf, version, payload)

	return buf.Bytes()
}

// ReadFile opens and decodes the SnapshotFile at path.
func ReadFile(path string) (Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// WriteFile writes a SnapshotFile to path atomically.
func WriteFile(path string, version uint16, payload []byte) error {
	return atomicfile.WriteFile(path, Marshal(version, payload))
}
