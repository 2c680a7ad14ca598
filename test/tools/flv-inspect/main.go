// flv-inspect dumps the tag structure of an FLV file: tag type, size,
// timestamp, and for media tags the codec, packet type, and keyframe
// flag. Useful for eyeballing recorder and relay output.
//
// Usage:
//
//	go run ./test/tools/flv-inspect capture.flv
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/zsiec/aperture/internal/amf0"
)

const tagHeaderSize = 11

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: flv-inspect <file.flv>")
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	if len(data) < 13 || string(data[:3]) != "FLV" {
		log.Fatal("not an FLV file")
	}
	fmt.Printf("FLV version %d, flags 0x%02x\n", data[3], data[4])

	off := int(binary.BigEndian.Uint32(data[5:9])) + 4 // header + PreviousTagSize0
	n := 0
	var lastTS uint32
	for off+tagHeaderSize <= len(data) {
		tagType := data[off]
		size := int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		ts := uint32(data[off+4])<<16 | uint32(data[off+5])<<8 | uint32(data[off+6]) |
			uint32(data[off+7])<<24

		if off+tagHeaderSize+size+4 > len(data) {
			fmt.Printf("#%d: truncated tag at offset %d\n", n, off)
			break
		}
		body := data[off+tagHeaderSize : off+tagHeaderSize+size]
		describe(n, tagType, ts, body)

		if ts < lastTS && tagType != 0x12 {
			fmt.Printf("    WARNING: timestamp went backwards (%d < %d)\n", ts, lastTS)
		}
		if tagType != 0x12 {
			lastTS = ts
		}

		prev := binary.BigEndian.Uint32(data[off+tagHeaderSize+size:])
		if prev != uint32(tagHeaderSize+size) {
			fmt.Printf("    WARNING: PreviousTagSize %d, want %d\n", prev, tagHeaderSize+size)
		}
		off += tagHeaderSize + size + 4
		n++
	}
	fmt.Printf("%d tags\n", n)
}

func describe(n int, tagType byte, ts uint32, body []byte) {
	switch tagType {
	case 0x08:
		kind := "raw"
		if len(body) >= 2 && body[1] == 0 {
			kind = "sequence header"
		}
		fmt.Printf("#%d: audio ts=%dms %d bytes, header=0x%02x, %s\n",
			n, ts, len(body), body[0], kind)
	case 0x09:
		frame := "inter"
		if len(body) >= 1 && body[0]>>4 == 1 {
			frame = "key"
		}
		kind := "NALU"
		if len(body) >= 2 {
			switch body[1] {
			case 0:
				kind = "sequence header"
			case 2:
				kind = "end of sequence"
			}
		}
		fmt.Printf("#%d: video ts=%dms %d bytes, %sframe, %s\n",
			n, ts, len(body), frame, kind)
	case 0x12:
		name := "?"
		if v, used, err := amf0.Decode(body); err == nil {
			if s, ok := v.(string); ok {
				name = s
			}
			if props, _, err := amf0.Decode(body[used:]); err == nil {
				fmt.Printf("#%d: script %q %d bytes: %v\n", n, name, len(body), props)
				return
			}
		}
		fmt.Printf("#%d: script %q %d bytes\n", n, name, len(body))
	default:
		fmt.Printf("#%d: unknown tag type 0x%02x, %d bytes\n", n, tagType, len(body))
	}
}
