package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// EncodeWAV wraps little-endian 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid pcm format: rate=%d channels=%d", sampleRate, channels)
	}
	if len(pcm) == 0 {
		return nil, errors.New("no pcm samples to encode")
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	// The encoder needs to seek back to patch chunk sizes.
	tmp, err := os.CreateTemp("", "counsel-voice-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create wav buffer: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	enc := wav.NewEncoder(tmp, sampleRate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind wav buffer: %w", err)
	}
	return io.ReadAll(tmp)
}

// DecodeWAVPCM extracts the raw 16-bit PCM payload and its format from a WAV
// container.
func DecodeWAVPCM(r io.ReadSeeker) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read wav samples: %w", err)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	return out, int(dec.SampleRate), int(dec.NumChans), nil
}

// PCMDuration reports the playback length of s16le PCM.
func PCMDuration(byteLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := byteLen / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
