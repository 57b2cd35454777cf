package audio

import "encoding/binary"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// MulawSilence is the encoded value of a zero sample.
const MulawSilence byte = 0xFF

// EncodeMulaw converts PCM16LE samples to G.711 mu-law, one byte per sample.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeMulaw converts G.711 mu-law bytes to PCM16LE samples.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawToLinear(u)))
	}
	return out
}

func linearToMulaw(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (v >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	exp := int(u>>4) & 0x07
	mant := int(u & 0x0F)
	v := ((mant << 3) + ulawBias) << exp
	v -= ulawBias
	if u&0x80 != 0 {
		v = -v
	}
	return int16(v)
}
