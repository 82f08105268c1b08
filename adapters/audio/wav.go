package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical PCM header written by EncodeWAV
const WAVHeaderSize = 44

const bitsPerSample = 16

var errNotWAV = errors.New("not a RIFF/WAVE file")

// EncodeWAV wraps 16-bit PCM in a canonical WAV header
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))

	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWAV returns the PCM payload and format of a 16-bit PCM WAV file
func DecodeWAV(data []byte) (pcm []byte, cfg CaptureConfig, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, cfg, errNotWAV
	}

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, cfg, fmt.Errorf("short fmt chunk: %d bytes", end-body)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != bitsPerSample {
				return nil, cfg, fmt.Errorf("unsupported bits per sample: %d", bits)
			}
			cfg.Channels = uint32(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			cfg.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
		case "data":
			if cfg.SampleRate == 0 {
				return nil, cfg, errors.New("data chunk before fmt chunk")
			}
			return data[body:end], cfg, nil
		}

		// chunks are word aligned
		pos = body + size + size%2
	}
	return nil, cfg, errors.New("missing data chunk")
}
