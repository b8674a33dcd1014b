// Package wav encodes and parses the minimal RIFF/WAVE containers exchanged
// with speech backends: 16-bit signed little-endian PCM, any sample rate and
// channel count.
package wav

import (
	"encoding/binary"
	"errors"
	"math"
)

// BitsPerSample is fixed at 16 for every container this package produces.
const BitsPerSample = 16

// MIMEType is the content type for WAV payloads.
const MIMEType = "audio/wav"

var (
	// ErrTooShort is returned when the buffer cannot hold a RIFF header.
	ErrTooShort = errors.New("wav: data too short to be a valid RIFF file")

	// ErrNotRIFF is returned when the RIFF or WAVE identifiers are missing.
	ErrNotRIFF = errors.New("wav: missing RIFF/WAVE header")

	// ErrNoData is returned when no data chunk is present.
	ErrNoData = errors.New("wav: missing data chunk")
)

// Info holds the format metadata extracted from a RIFF/WAVE header.
type Info struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // length of the PCM data in bytes
	SampleRate int // samples per second (e.g., 16000, 22050)
	Channels   int // 1 = mono, 2 = stereo
}

// Encode wraps raw 16-bit PCM in a standard 44-byte RIFF/WAVE header.
func Encode(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Parse walks the RIFF chunks in data and returns the location of the PCM
// samples together with the format from the "fmt " chunk. The fmt chunk size
// may vary, so the offset is never assumed to be 44.
func Parse(data []byte) (Info, error) {
	if len(data) < 12 {
		return Info{}, ErrTooShort
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Info{}, ErrNotRIFF
	}

	var info Info
	foundFmt := false

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(data) {
				f := data[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = min(chunkSize, len(data)-info.DataOffset)
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Info{}, ErrNoData
}

// PCM returns the raw samples of a WAV container along with its format. If
// data is not a WAV container it is returned unchanged with a zero Info.
func PCM(data []byte) ([]byte, Info) {
	info, err := Parse(data)
	if err != nil {
		return data, Info{}
	}
	return data[info.DataOffset : info.DataOffset+info.DataSize], info
}

// Silence returns a WAV container holding d milliseconds of silence.
func Silence(durationMs, sampleRate int) []byte {
	samples := sampleRate * durationMs / 1000
	return Encode(make([]byte, samples*2), sampleRate, 1)
}

// DurationMs returns the playback length of pcm in milliseconds.
func DurationMs(pcm []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * BitsPerSample / 8
	return len(pcm) * 1000 / bytesPerSec
}

// RMS returns the root-mean-square energy of 16-bit PCM, in sample units
// (0 to 32767). Buffers shorter than one sample yield 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Float32Mono converts 16-bit PCM to float32 samples in [-1.0, 1.0],
// averaging channels per frame. A trailing partial frame is ignored.
func Float32Mono(pcm []byte, channels int) []float32 {
	channels = max(channels, 1)
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:idx+2]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
