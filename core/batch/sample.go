// Package batch collects bursts of streamed motion samples into fixed-length
// batches.
//
// A peripheral streams one SAMPLE frame per reading, sequence-indexed from 0
// to N-1. Radio loss means some indices never arrive and a burst may stop
// early. The Receiver guarantees every slot of a completed batch is populated
// by applying a backfill policy: skipped slots repeat the last sample written
// before the gap, and a burst that goes idle is padded with its last sample.
// This trades sample fidelity for slot coverage and is intentional.
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SampleSize is the encoded size of a Sample: six little-endian int16 values.
const SampleSize = 12

// ErrShortSample is returned when a payload cannot hold a full Sample.
var ErrShortSample = errors.New("payload too short for motion sample")

// Channel indexes into a Sample.
const (
	AccelX = iota
	AccelY
	AccelZ
	GyroX
	GyroY
	GyroZ
	NumChannels
)

// Sample is one motion reading: three-axis acceleration followed by
// three-axis angular rate.
type Sample [NumChannels]int16

// DecodeSample parses a Sample from the start of a frame payload.
func DecodeSample(payload []byte) (Sample, error) {
	var s Sample
	if len(payload) < SampleSize {
		return s, fmt.Errorf("%w: %d < %d", ErrShortSample, len(payload), SampleSize)
	}
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return s, nil
}

// Encode writes the Sample in its wire layout.
func (s Sample) Encode() []byte {
	buf := make([]byte, SampleSize)
	for i, v := range s {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}
