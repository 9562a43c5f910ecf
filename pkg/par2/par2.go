// Package par2 implements component B of the spec: enough of the PAR2
// recovery-manifest format to map a file's first-16KB MD5 fingerprint
// to its real filename. Recovery (parity reconstruction) is out of
// scope; only Main presence and FileDesc entries are extracted.
package par2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoFiles is returned when a buffer contains no parsable FileDesc
// packets (spec §4.B "Result").
var ErrNoFiles = errors.New("par2: no FileDesc packets found")

var (
	packetMagic  = []byte("PAR2\x00PKT")
	mainType     = []byte("PAR 2.0\x00Main\x00\x00\x00\x00")
	fileDescType = []byte("PAR 2.0\x00FileDesc")
)

// headerSize is the fixed portion of every packet before its
// type-specific body: magic(8) + length(8) + packet MD5(16, unchecked)
// + recovery-set ID(16) + packet-type tag(16).
const headerSize = 8 + 8 + 16 + 16 + 16

// FileEntry is one resolved real_filename -> (hash16k, size) mapping.
type FileEntry struct {
	Name    string
	Hash16k [16]byte
	Size    int64
}

// Manifest is the `real_filename -> (hash16k, file_size)` mapping
// extracted from one PAR2 buffer's Main + FileDesc packets.
type Manifest struct {
	MainPresent bool
	Files       map[string]FileEntry
}

// ByHash16k returns the inverse index hash16k -> real_filename used for
// obfuscated-file name resolution (spec §4.D).
func (m *Manifest) ByHash16k() map[[16]byte]string {
	out := make(map[[16]byte]string, len(m.Files))
	for name, f := range m.Files {
		out[f.Hash16k] = name
	}
	return out
}

// Parse sweeps buf linearly for PAR2 packet headers, per spec §4.B.
// Malformed packets are dropped and scanning continues; only a total
// absence of FileDesc packets is fatal.
func Parse(buf []byte) (*Manifest, error) {
	m := &Manifest{Files: make(map[string]FileEntry)}

	pos := 0
	for {
		idx := bytes.Index(buf[pos:], packetMagic)
		if idx < 0 {
			break
		}
		start := pos + idx

		entryLen, ok := readPacket(buf, start, m)
		if !ok {
			// Malformed or too-short packet at this position: skip one
			// byte past the magic and keep scanning for the next match.
			pos = start + 1
			continue
		}
		pos = start + entryLen
	}

	if len(m.Files) == 0 {
		return m, ErrNoFiles
	}
	return m, nil
}

// readPacket parses one packet starting at buf[start:], recording it
// into m if it is a Main or FileDesc packet. It returns the packet's
// declared total length and whether the packet was well-formed enough
// to skip over cleanly.
func readPacket(buf []byte, start int, m *Manifest) (length int, ok bool) {
	if start+16 > len(buf) {
		return 0, false
	}
	declLen := binary.LittleEndian.Uint64(buf[start+8 : start+16])
	if declLen < headerSize || declLen > uint64(len(buf)-start) {
		return 0, false
	}

	if start+headerSize > len(buf) {
		return 0, false
	}
	packetType := buf[start+8+8+16+16 : start+headerSize]
	body := buf[start+headerSize : start+int(declLen)]

	switch {
	case bytes.Equal(packetType, mainType):
		m.MainPresent = true
	case bytes.Equal(packetType, fileDescType):
		if entry, err := parseFileDesc(body); err == nil {
			m.Files[entry.Name] = entry // last-write-wins, per spec
		}
	default:
		// IFSC and anything else: ignored, but still a valid packet to
		// skip over cleanly.
	}

	return int(declLen), true
}

// parseFileDesc reads a FileDesc packet body: 16-byte file ID
// (ignored), 16-byte full-file MD5 (skipped), 16-byte 16k-MD5, 8-byte
// size, NUL-terminated filename.
func parseFileDesc(body []byte) (FileEntry, error) {
	const fixed = 16 + 16 + 16 + 8
	if len(body) < fixed {
		return FileEntry{}, fmt.Errorf("par2: FileDesc body too short (%d bytes)", len(body))
	}

	var hash16k [16]byte
	copy(hash16k[:], body[32:48])
	size := int64(binary.LittleEndian.Uint64(body[48:56]))

	nameBytes := body[56:]
	if nul := bytes.IndexByte(nameBytes, 0); nul >= 0 {
		nameBytes = nameBytes[:nul]
	}
	name := string(nameBytes)
	if name == "" {
		return FileEntry{}, errors.New("par2: FileDesc has empty filename")
	}

	return FileEntry{Name: name, Hash16k: hash16k, Size: size}, nil
}
