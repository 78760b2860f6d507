// Package speech turns recorded audio into text for the chat engine.
package speech

import (
	"bytes"
	"context"
	"encoding/binary"
)

// Audio formats accepted by transcribers.
const (
	FormatWAV   = "wav"
	FormatMP3   = "mp3"
	FormatWebM  = "webm"
	FormatPCM16 = "pcm16" // raw little-endian 16-bit mono samples
)

// Audio is one recorded utterance.
type Audio struct {
	Data   []byte `json:"data"`
	Format string `json:"format"`
	// SampleRate is required for FormatPCM16.
	SampleRate int `json:"sample_rate,omitempty"`
}

// Transcriber converts speech to text. Unintelligible audio and service
// failures are reported as core.ErrTranscription.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// WAV wraps raw 16-bit mono PCM samples in a RIFF/WAVE container.
func WAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
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
