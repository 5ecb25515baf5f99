package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/openflow-ai/transcriber/pkg/audio"
)

// buildWAV assembles a minimal RIFF/WAVE stream with the given fmt fields and
// raw data bytes.
func buildWAV(formatTag uint16, channels, sampleRate, bits int, data []byte) []byte {
	var fmtChunk bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&fmtChunk, le, formatTag)
	binary.Write(&fmtChunk, le, uint16(channels))
	binary.Write(&fmtChunk, le, uint32(sampleRate))
	binary.Write(&fmtChunk, le, uint32(sampleRate*channels*bits/8))
	binary.Write(&fmtChunk, le, uint16(channels*bits/8))
	binary.Write(&fmtChunk, le, uint16(bits))

	var body bytes.Buffer
	body.WriteString("WAVE")
	body.WriteString("fmt ")
	binary.Write(&body, le, uint32(fmtChunk.Len()))
	body.Write(fmtChunk.Bytes())
	body.WriteString("data")
	binary.Write(&body, le, uint32(len(data)))
	body.Write(data)

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, le, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func pcm16Bytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodeWAVPCM16(t *testing.T) {
	wav := buildWAV(0x0001, 1, 16000, 16, pcm16Bytes(0, 16384, -16384, 32767))
	got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", got.SampleRate)
	}
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0}
	if len(got.Samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got.Samples), len(want))
	}
	for i := range want {
		if math.Abs(float64(got.Samples[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got.Samples[i], want[i])
		}
	}
}

func TestDecodeWAVFloat32(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(-1.0))
	wav := buildWAV(0x0003, 1, 44100, 32, data)
	got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate != 44100 {
		t.Errorf("sample rate = %d, want 44100", got.SampleRate)
	}
	if got.Samples[0] != 0.25 || got.Samples[1] != -1.0 {
		t.Errorf("samples = %v, want [0.25 -1]", got.Samples)
	}
}

func TestDecodeWAVPCM32(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(int32(1<<30)))
	wav := buildWAV(0x0001, 1, 16000, 32, data)
	got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if math.Abs(float64(got.Samples[0]-0.5)) > 1e-6 {
		t.Errorf("sample = %v, want 0.5", got.Samples[0])
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	wav := buildWAV(0x0001, 2, 16000, 16, pcm16Bytes(16384, -16384, 8192, 8192))
	got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(got.Samples))
	}
	if math.Abs(float64(got.Samples[0])) > 1e-6 {
		t.Errorf("downmixed sample 0 = %v, want 0", got.Samples[0])
	}
	if math.Abs(float64(got.Samples[1]-0.25)) > 1e-6 {
		t.Errorf("downmixed sample 1 = %v, want 0.25", got.Samples[1])
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	// Insert a LIST chunk with odd size (forces pad-byte handling) before data.
	base := buildWAV(0x0001, 1, 16000, 16, pcm16Bytes(100))
	// Rebuild with a LIST chunk between fmt and data.
	le := binary.LittleEndian
	var out bytes.Buffer
	out.Write(base[:12])        // RIFF header
	out.Write(base[12 : 12+24]) // "fmt " + size(16) + body
	out.WriteString("LIST")
	binary.Write(&out, le, uint32(3))
	out.Write([]byte{'x', 'y', 'z', 0}) // 3 bytes + pad
	out.Write(base[36:])                // data chunk
	got, err := audio.DecodeWAV(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(got.Samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(got.Samples))
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("XXXX....WAVE")},
		{"no data chunk", buildWAV(0x0001, 1, 16000, 16, nil)[:36]},
		{"unsupported bits", buildWAV(0x0001, 1, 16000, 24, []byte{0, 0, 0})},
		{"zero channels", buildWAV(0x0001, 0, 16000, 16, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.DecodeWAV(bytes.NewReader(tt.data)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, err := audio.Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d samples, want 3", len(out))
	}
}

func TestResampleHalvesRate(t *testing.T) {
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i) / 100
	}
	out, err := audio.Resample(in, 32000, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != 50 {
		t.Fatalf("got %d samples, want 50", len(out))
	}
	// Linear interpolation over a ramp stays on the ramp.
	if math.Abs(float64(out[10]-in[20])) > 1e-6 {
		t.Errorf("out[10] = %v, want %v", out[10], in[20])
	}
}

func TestResampleInvalidRates(t *testing.T) {
	if _, err := audio.Resample([]float32{0}, 0, 16000); err == nil {
		t.Error("expected error for zero source rate")
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1.5, -1.5}
	got := audio.PCM16BytesToFloat32(audio.Float32ToPCM16Bytes(in))
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmixMono(t *testing.T) {
	in := []float32{1, 0, 0.5, 0.5, -1, 1}
	out := audio.DownmixMono(in, 2)
	want := []float32{0.5, 0.5, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, out[i], want[i])
		}
	}
	if got := audio.DownmixMono(in, 1); len(got) != len(in) {
		t.Errorf("mono passthrough changed length: %d", len(got))
	}
}
