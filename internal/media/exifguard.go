package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	tagExifIFD    = 0x8769
	tagGPSIFD     = 0x8825
	tagInteropIFD = 0xA005

	maxIFDs = 64
)

// Value sizes by TIFF field type.
var tiffTypeSize = map[uint16]uint64{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
}

// checkEXIFBounds rejects EXIF blocks with an IFD entry whose declared value size is larger
// than the block. goexif checks that size in 32 bits, which can wrap, and then allocates one
// element per declared value.
func checkEXIFBounds(data []byte) error {
	payload := tiffPayload(data)
	if len(payload) < 8 {
		return nil
	}
	var order binary.ByteOrder
	switch string(payload[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil
	}

	limit := uint64(len(payload))
	seen := map[uint32]bool{}
	queue := []uint32{order.Uint32(payload[4:8])}
	for len(queue) > 0 && len(seen) < maxIFDs {
		off := queue[0]
		queue = queue[1:]
		if off == 0 || seen[off] || uint64(off)+2 > limit {
			continue
		}
		seen[off] = true

		n := int(int16(order.Uint16(payload[off:])))
		pos := uint64(off) + 2
		for i := 0; i < n && pos+12 <= limit; i, pos = i+1, pos+12 {
			entry := payload[pos : pos+12]
			tag := order.Uint16(entry[0:2])
			typ := order.Uint16(entry[2:4])
			count := order.Uint32(entry[4:8])
			if size := tiffTypeSize[typ] * uint64(count); size > limit {
				return fmt.Errorf("tag 0x%04x declares %d values, larger than the %d byte block", tag, count, limit)
			}
			if tag == tagExifIFD || tag == tagGPSIFD || tag == tagInteropIFD {
				switch typ {
				case 3:
					queue = append(queue, uint32(order.Uint16(entry[8:10])))
				case 4, 9:
					queue = append(queue, order.Uint32(entry[8:12]))
				}
			}
		}
		if pos+4 <= limit {
			queue = append(queue, order.Uint32(payload[pos:pos+4]))
		}
	}
	return nil
}

// tiffPayload finds the TIFF structure goexif decodes: the whole input for TIFF files, the
// bytes after a raw "Exif\0\0" header, or the first JPEG APP1 segment.
func tiffPayload(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return data
	case bytes.HasPrefix(data, []byte("Exif")):
		if bytes.HasPrefix(data, []byte("Exif\x00\x00")) {
			return data[6:]
		}
		return nil
	}

	i := 0
	for {
		p := bytes.IndexByte(data[i:], 0xFF)
		if p < 0 {
			return nil
		}
		p += i
		if p+1 >= len(data) {
			return nil
		}
		if data[p+1] != 0xE1 {
			i = p + 2
			continue
		}
		if p+4 > len(data) {
			return nil
		}
		n := int(binary.BigEndian.Uint16(data[p+2:p+4])) - 2
		if n == 0 {
			i = p + 4
			continue
		}
		if n < 6 || p+4+n > len(data) {
			return nil
		}
		sec := data[p+4 : p+4+n]
		if !bytes.HasPrefix(sec, []byte("Exif\x00\x00")) {
			return nil
		}
		return sec[6:]
	}
}
