// Package audio captures assistant speech: raw PCM16LE mono in, WAV out,
// plus tone generation for the scripted assistant.
package audio

import (
	"encoding/binary"
	"io"
	"math"
	"os"
)

const (
	wavHeaderSize = 44
	monoChannels  = 1
	sampleBits    = 16
)

// EncodeWAV wraps a mono PCM16LE capture in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, wavHeaderSize+len(pcm))
	out = append(out, wavHeader(len(pcm), sampleRate)...)
	return append(out, pcm...)
}

// WriteWAVFile saves a mono PCM16LE capture as a WAV file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWAV streams a mono PCM16LE capture to out as WAV.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	hdr := wavHeader(len(pcm), sampleRate)
	if _, err := out.Write(hdr); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

func wavHeader(dataSize, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	byteRate := sampleRate * monoChannels * sampleBits / 8

	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+dataSize))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:], monoChannels)
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:], monoChannels*sampleBits/8)
	binary.LittleEndian.PutUint16(hdr[34:], sampleBits)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataSize))
	return hdr[:]
}

// SinePCM16LE generates a mono PCM16LE sine tone, useful for scripted
// assistant audio in demos and tests.
func SinePCM16LE(freqHz float64, durationMS, sampleRate int) []byte {
	samples := sampleRate * durationMS / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
