package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV format codes.
const wavFormatPCM = 1

var (
	// ErrNotWAV is returned when the RIFF/WAVE magic is missing.
	ErrNotWAV = errors.New("not a valid WAV file")
	// ErrUnsupportedWAV is returned for non-PCM or non 16-bit WAV data.
	ErrUnsupportedWAV = errors.New("only 16-bit PCM WAV is supported")
)

// WAVFormat is the subset of the fmt chunk the replay device needs.
type WAVFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// BytesPerSecond returns the PCM byte rate.
func (f WAVFormat) BytesPerSecond() int {
	return int(f.SampleRate) * int(f.Channels) * int(f.BitsPerSample/8)
}

// ReadWAVHeader reads the RIFF header and walks chunks until the data chunk.
// On success r is positioned at the first PCM sample.
func ReadWAVHeader(r io.Reader) (WAVFormat, error) {
	var format WAVFormat

	riff := make([]byte, 12)
	if _, err := io.ReadFull(r, riff); err != nil {
		return format, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return format, ErrNotWAV
	}

	haveFmt := false
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return format, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return format, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return format, fmt.Errorf("read fmt chunk: %w", err)
			}
			format.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			format.Channels = binary.LittleEndian.Uint16(body[2:4])
			format.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			format.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return format, fmt.Errorf("data chunk before fmt chunk")
			}
			if format.AudioFormat != wavFormatPCM || format.BitsPerSample != 16 {
				return format, ErrUnsupportedWAV
			}
			format.DataSize = size
			return format, nil
		default:
			// Chunks are word aligned.
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return format, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
