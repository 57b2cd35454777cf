// Package audio converts between the WAV/PCM16 audio used by local tooling and
// the 8 kHz G.711 mu-law carried on telephony media streams.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// TelephonyRate is the sample rate of G.711 media streams.
const TelephonyRate = 8000

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = TelephonyRate
	}

	header := struct {
		Riff          [4]byte
		Size          uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          uint32(36 + len(pcm)),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   audioFormat,
		Channels:      numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16 extracts mono PCM16LE samples and the sample rate from a WAV
// file. Multi-channel input is downmixed by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, errors.New("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, errors.New("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, errors.New("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, errors.New("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, errors.New("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, errors.New("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = TelephonyRate
	}

	frameBytes := int(channels) * 2
	frames := len(pcmData) / frameBytes
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}

// Resample converts mono PCM16LE between sample rates with linear
// interpolation. It is intended for test fixtures, not production audio.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	out := int(int64(in) * int64(to) / int64(from))
	res := make([]byte, out*2)
	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	for i := 0; i < out; i++ {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		frac := pos - float64(j)
		v := sample(j)*(1-frac) + sample(j+1)*frac
		binary.LittleEndian.PutUint16(res[i*2:], uint16(int16(v)))
	}
	return res
}
