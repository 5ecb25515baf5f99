package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WAVE format tags from the fmt chunk.
const (
	wavFormatPCM        = 0x0001
	wavFormatIEEEFloat  = 0x0003
	wavFormatExtensible = 0xFFFE
)

// WAVData is the decoded content of a WAV file: float32 samples in [-1, 1],
// already downmixed to mono, at the file's native sample rate.
type WAVData struct {
	Samples    []float32
	SampleRate int
}

// DecodeWAV reads a RIFF/WAVE stream and decodes the data chunk into mono
// float32 samples. Supported encodings are 16-bit PCM, 32-bit PCM and 32-bit
// IEEE float, including their WAVE_FORMAT_EXTENSIBLE forms. Multi-channel
// audio is downmixed by averaging.
func DecodeWAV(r io.Reader) (WAVData, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WAVData{}, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return WAVData{}, fmt.Errorf("audio: not a RIFF/WAVE stream")
	}

	var (
		haveFmt    bool
		formatTag  uint16
		channels   int
		sampleRate int
		bitsPerSmp int
	)

	// Chunks are word-aligned: an odd-sized chunk is followed by a pad byte.
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return WAVData{}, fmt.Errorf("audio: no data chunk found")
			}
			return WAVData{}, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := binary.LittleEndian.Uint32(ch[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVData{}, fmt.Errorf("audio: fmt chunk too small (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVData{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			formatTag = binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSmp = int(binary.LittleEndian.Uint16(body[14:16]))
			if formatTag == wavFormatExtensible {
				// SubFormat GUID starts at offset 24; its first two bytes
				// are the effective format tag.
				if size < 40 {
					return WAVData{}, fmt.Errorf("audio: extensible fmt chunk too small (%d bytes)", size)
				}
				formatTag = binary.LittleEndian.Uint16(body[24:26])
			}
			if channels < 1 {
				return WAVData{}, fmt.Errorf("audio: invalid channel count %d", channels)
			}
			if sampleRate <= 0 {
				return WAVData{}, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
			}
			haveFmt = true
			if err := skipPad(r, size); err != nil {
				return WAVData{}, err
			}

		case "data":
			if !haveFmt {
				return WAVData{}, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return WAVData{}, fmt.Errorf("audio: read data chunk: %w", err)
			}
			samples, err := decodeSamples(raw, formatTag, bitsPerSmp)
			if err != nil {
				return WAVData{}, err
			}
			return WAVData{
				Samples:    DownmixMono(samples, channels),
				SampleRate: sampleRate,
			}, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return WAVData{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
			if err := skipPad(r, size); err != nil {
				return WAVData{}, err
			}
		}
	}
}

func skipPad(r io.Reader, size uint32) error {
	if size%2 == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, 1); err != nil && err != io.EOF {
		return fmt.Errorf("audio: skip chunk padding: %w", err)
	}
	return nil
}

func decodeSamples(raw []byte, formatTag uint16, bits int) ([]float32, error) {
	switch {
	case formatTag == wavFormatPCM && bits == 16:
		return PCM16BytesToFloat32(raw), nil

	case formatTag == wavFormatPCM && bits == 32:
		n := len(raw) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			s := int32(binary.LittleEndian.Uint32(raw[i*4:]))
			out[i] = float32(float64(s) / 2147483648.0)
		}
		return out, nil

	case formatTag == wavFormatIEEEFloat && bits == 32:
		n := len(raw) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("audio: unsupported WAV encoding (format=0x%04X bits=%d)", formatTag, bits)
	}
}
