package dng

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// TIFF field types used by the container.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSRational = 10
)

// Tag numbers written into the IFD.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagImageDescription    = 270
	tagMake                = 271
	tagModel               = 272
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagSoftware            = 305
	tagDateTime            = 306
	tagCFARepeatPatternDim = 33421
	tagCFAPattern          = 33422
	tagDNGVersion          = 50706
	tagUniqueCameraModel   = 50708
	tagBlackLevel          = 50714
	tagWhiteLevel          = 50717
	tagColorMatrix1        = 50721
	tagAsShotNeutral       = 50728
)

// photometricCFA marks the image as an undemosaiced color filter array.
const photometricCFA = 32803

// rational is an unsigned TIFF RATIONAL value.
type rational struct {
	num, den uint32
}

// srational is a signed TIFF SRATIONAL value.
type srational struct {
	num, den int32
}

// rationalDenominator scales floating-point matrix and neutral values
// into rationals. One part per million preserves every digit camera
// color matrices are published with.
const rationalDenominator = 1000000

func toRational(v float64) rational {
	return rational{num: uint32(math.Round(v * rationalDenominator)), den: rationalDenominator}
}

func toSRational(v float64) srational {
	return srational{num: int32(math.Round(v * rationalDenominator)), den: rationalDenominator}
}

// ifdEntry is one directory entry with its encoded payload.
type ifdEntry struct {
	tag     uint16
	typ     uint16
	count   uint32
	payload []byte
}

// ifdEntrySize is the fixed on-disk size of a directory entry.
const ifdEntrySize = 12

func entryShort(tag uint16, values ...uint16) ifdEntry {
	payload := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(payload[2*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(values)), payload: payload}
}

func entryLong(tag uint16, values ...uint32) ifdEntry {
	payload := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[4*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(values)), payload: payload}
}

func entryBytes(tag uint16, values []byte) ifdEntry {
	return ifdEntry{tag: tag, typ: typeByte, count: uint32(len(values)), payload: values}
}

func entryASCII(tag uint16, s string) ifdEntry {
	payload := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(payload)), payload: payload}
}

func entryRational(tag uint16, values []rational) ifdEntry {
	payload := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[8*i:], v.num)
		binary.LittleEndian.PutUint32(payload[8*i+4:], v.den)
	}
	return ifdEntry{tag: tag, typ: typeRational, count: uint32(len(values)), payload: payload}
}

func entrySRational(tag uint16, values []srational) ifdEntry {
	payload := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[8*i:], uint32(v.num))
		binary.LittleEndian.PutUint32(payload[8*i+4:], uint32(v.den))
	}
	return ifdEntry{tag: tag, typ: typeSRational, count: uint32(len(values)), payload: payload}
}

// writeContainer serializes the mosaic samples and directory entries as
// a single-IFD little-endian TIFF. The strip offset entry is computed
// here, so entries must not include tags 273 or 279.
func writeContainer(w io.Writer, entries []ifdEntry, pix []uint16) error {
	stripBytes := uint32(len(pix) * 2)
	entries = append(entries,
		ifdEntry{tag: tagStripOffsets, typ: typeLong, count: 1, payload: make([]byte, 4)},
		entryLong(tagStripByteCounts, stripBytes),
	)
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Header (8) + entry count (2) + entries + next-IFD pointer (4).
	ifdOffset := uint32(8)
	dataOffset := ifdOffset + 2 + uint32(len(entries))*ifdEntrySize + 4

	// Lay out the out-of-line payloads, keeping offsets word aligned.
	overflow := make([][]byte, len(entries))
	offsets := make([]uint32, len(entries))
	cursor := dataOffset
	for i, e := range entries {
		if len(e.payload) > 4 {
			if cursor%2 == 1 {
				cursor++
			}
			offsets[i] = cursor
			overflow[i] = e.payload
			cursor += uint32(len(e.payload))
		}
	}
	if cursor%2 == 1 {
		cursor++
	}
	stripOffset := cursor

	// Patch the strip offset now that the layout is known.
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			binary.LittleEndian.PutUint32(entries[i].payload, stripOffset)
		}
	}

	var header [8]byte
	header[0], header[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(header[2:], 42)
	binary.LittleEndian.PutUint32(header[4:], ifdOffset)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint16(len(entries))); err != nil {
		return err
	}
	for i, e := range entries {
		var raw [ifdEntrySize]byte
		binary.LittleEndian.PutUint16(raw[0:], e.tag)
		binary.LittleEndian.PutUint16(raw[2:], e.typ)
		binary.LittleEndian.PutUint32(raw[4:], e.count)
		if len(e.payload) > 4 {
			binary.LittleEndian.PutUint32(raw[8:], offsets[i])
		} else {
			copy(raw[8:], e.payload)
		}
		if _, err := w.Write(raw[:]); err != nil {
			return err
		}
	}
	// No further IFDs.
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	written := dataOffset
	for i := range entries {
		if overflow[i] == nil {
			continue
		}
		if written%2 == 1 {
			if _, err := w.Write([]byte{0}); err != nil {
				return err
			}
			written++
		}
		if _, err := w.Write(overflow[i]); err != nil {
			return err
		}
		written += uint32(len(overflow[i]))
	}
	if written%2 == 1 {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		written++
	}
	if written != stripOffset {
		return fmt.Errorf("internal layout error: strip at %d, wrote %d bytes", stripOffset, written)
	}

	strip := make([]byte, stripBytes)
	for i, v := range pix {
		binary.LittleEndian.PutUint16(strip[2*i:], v)
	}
	if _, err := w.Write(strip); err != nil {
		return err
	}
	return nil
}
