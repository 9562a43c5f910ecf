// Package rar implements component C of the spec: a buffer-only
// analyser that locates the compressed payload inside one RAR volume's
// first segment, enough to let the stream orchestrator serve the
// volume's bytes without unpacking it.
//
// This walks the classic RAR (pre-RAR5) header chain by hand; it does
// not use a RAR-parsing library, since the payload-offset location is
// the one responsibility the spec calls out as buffer-only, in-memory,
// and not delegated.
package rar

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned for any structurally invalid input: missing
// signature, truncated header, or a header chain that runs off the end
// of the buffer before a file header is found.
var ErrMalformed = errors.New("rar: malformed archive")

var signature = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}

var mkvSignature = []byte{0x1A, 0x45, 0xDF, 0xA3}

const (
	headerTypeMain   = 0x73
	headerTypeFile   = 0x74
	headerTypeEndArc = 0x7B

	// mkvSearchWindow bounds the MKV-signature scan in the first
	// volume's payload to the first 1024 bytes (spec §4.C, §9: a
	// larger main header could in principle push the signature past
	// this window; kept as specified).
	mkvSearchWindow = 1024
)

// VolumeInfo is the result of analysing one RAR volume's first segment.
type VolumeInfo struct {
	PayloadOffset int64
	PayloadLength int64
}

// Analyse locates the payload inside buf, the decoded bytes of a RAR
// volume's first segment. If isFirstVolume, the offset is additionally
// advanced to the first MKV EBML header so the virtual stream begins
// at a valid media header.
func Analyse(buf []byte, isFirstVolume bool) (VolumeInfo, error) {
	sigIdx := indexOf(buf, signature)
	if sigIdx < 0 {
		return VolumeInfo{}, fmt.Errorf("%w: RAR signature not found", ErrMalformed)
	}

	pos := sigIdx + len(signature)
	for {
		if pos+7 > len(buf) {
			return VolumeInfo{}, fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, pos)
		}

		headerType := buf[pos+2]
		headerSize := int(binary.LittleEndian.Uint16(buf[pos+5 : pos+7]))
		if headerSize < 7 {
			return VolumeInfo{}, fmt.Errorf("%w: header_size %d smaller than fixed fields", ErrMalformed, headerSize)
		}

		switch headerType {
		case headerTypeMain:
			pos += headerSize
			continue

		case headerTypeFile:
			if pos+7+8 > len(buf) {
				return VolumeInfo{}, fmt.Errorf("%w: truncated file header", ErrMalformed)
			}
			packSize := int64(binary.LittleEndian.Uint32(buf[pos+7 : pos+11]))
			payloadOffset := int64(pos + headerSize)
			payloadLength := packSize

			if isFirstVolume {
				window := mkvSearchWindow
				if int64(window) > packSize {
					window = int(packSize)
				}
				end := int(payloadOffset) + window
				if end > len(buf) {
					end = len(buf)
				}
				if k := indexOf(buf[payloadOffset:end], mkvSignature); k >= 0 {
					payloadOffset += int64(k)
					payloadLength -= int64(k)
				}
			}

			return VolumeInfo{PayloadOffset: payloadOffset, PayloadLength: payloadLength}, nil

		case headerTypeEndArc:
			return VolumeInfo{}, fmt.Errorf("%w: end-of-archive header before any file header", ErrMalformed)

		default:
			pos += headerSize
		}
	}
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
