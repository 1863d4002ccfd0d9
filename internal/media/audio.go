package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zaf/g711"
)

// AudioFile represents parsed audio file metadata and data
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile parses a WAV file and returns metadata + PCM audio data
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	riffID := make([]byte, 4)
	if _, err := file.Read(riffID); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riffID) != "RIFF" {
		return nil, fmt.Errorf("not a valid RIFF file")
	}

	var riffSize uint32
	if err := binary.Read(file, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("failed to read RIFF size: %w", err)
	}

	waveID := make([]byte, 4)
	if _, err := file.Read(waveID); err != nil {
		return nil, fmt.Errorf("failed to read WAVE header: %w", err)
	}
	if string(waveID) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAVE file")
	}

	audioFile := &AudioFile{}
	for {
		chunkID := make([]byte, 4)
		n, err := file.Read(chunkID)
		if n == 0 || err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk ID: %w", err)
		}

		var chunkSize uint32
		if err := binary.Read(file, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(chunkID) {
		case "fmt ":
			if err := binary.Read(file, binary.LittleEndian, &audioFile.AudioFormat); err != nil {
				return nil, fmt.Errorf("failed to read audio format: %w", err)
			}
			if audioFile.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", audioFile.AudioFormat)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.NumChannels); err != nil {
				return nil, fmt.Errorf("failed to read channels: %w", err)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.SampleRate); err != nil {
				return nil, fmt.Errorf("failed to read sample rate: %w", err)
			}

			// Skip byte rate and block align
			if _, err := file.Seek(6, 1); err != nil {
				return nil, fmt.Errorf("failed to seek past byte rate: %w", err)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.BitsPerSample); err != nil {
				return nil, fmt.Errorf("failed to read bits per sample: %w", err)
			}

			slog.Debug("[WAV] Parsed format chunk", "sampleRate", audioFile.SampleRate, "channels", audioFile.NumChannels, "bitsPerSample", audioFile.BitsPerSample)

		case "data":
			audioData := make([]byte, chunkSize)
			if _, err := io.ReadFull(file, audioData); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			audioFile.PCMData = audioData
			slog.Debug("[WAV] Loaded audio data", "file", filePath, "size_bytes", len(audioData))
			return audioFile, nil

		default:
			if _, err := file.Seek(int64(chunkSize), 1); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("data chunk not found in WAV file")
}

// WriteWAVFile writes 16-bit mono PCM data as a WAV file.
func WriteWAVFile(filePath string, pcm []byte, sampleRate uint32) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	// RIFF header
	if _, err := file.Write([]byte("RIFF")); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(36+len(pcm))); err != nil {
		return err
	}
	if _, err := file.Write([]byte("WAVE")); err != nil {
		return err
	}

	// fmt chunk
	if _, err := file.Write([]byte("fmt ")); err != nil {
		return err
	}
	for _, v := range []any{
		uint32(16),            // chunk size
		uint16(1),             // PCM
		uint16(numChannels),   //
		sampleRate,            //
		byteRate,              //
		blockAlign,            //
		uint16(bitsPerSample), //
	} {
		if err := binary.Write(file, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk
	if _, err := file.Write([]byte("data")); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(len(pcm))); err != nil {
		return err
	}
	if _, err := file.Write(pcm); err != nil {
		return err
	}
	return nil
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM
func ResampleAudio(audioFile *AudioFile) ([]byte, error) {
	const targetSampleRate = 8000

	// Convert to mono if needed
	var monoPCM []byte
	if audioFile.NumChannels == 1 {
		monoPCM = audioFile.PCMData
	} else if audioFile.NumChannels == 2 {
		// Simple stereo to mono conversion (average channels)
		monoPCM = make([]byte, len(audioFile.PCMData)/2)
		for i := 0; i+3 < len(audioFile.PCMData); i += 4 {
			left := int16(audioFile.PCMData[i]) | int16(audioFile.PCMData[i+1])<<8
			right := int16(audioFile.PCMData[i+2]) | int16(audioFile.PCMData[i+3])<<8
			mono := (int32(left) + int32(right)) / 2
			monoPCM[i/2] = byte(mono & 0xFF)
			monoPCM[i/2+1] = byte((mono >> 8) & 0xFF)
		}
	} else {
		return nil, fmt.Errorf("unsupported number of channels: %d", audioFile.NumChannels)
	}

	if audioFile.SampleRate == targetSampleRate {
		return monoPCM, nil
	}

	slog.Debug("[AUDIO] Resampling", "from", audioFile.SampleRate, "to", targetSampleRate, "inputSize", len(monoPCM))

	// Linear interpolation resampling
	ratio := float64(audioFile.SampleRate) / float64(targetSampleRate)
	outputSamples := int(float64(len(monoPCM)/2) / ratio)
	outputPCM := make([]byte, outputSamples*2)

	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+2 >= len(monoPCM)/2 {
			outputPCM = outputPCM[:i*2]
			break
		}

		sample1 := int16(monoPCM[srcIdx*2]) | int16(monoPCM[srcIdx*2+1])<<8
		sample2 := int16(monoPCM[(srcIdx+1)*2]) | int16(monoPCM[(srcIdx+1)*2+1])<<8

		interpolated := int16(float64(sample1)*(1-frac) + float64(sample2)*frac)

		outputPCM[i*2] = byte(interpolated & 0xFF)
		outputPCM[i*2+1] = byte((interpolated >> 8) & 0xFF)
	}

	return outputPCM, nil
}

// EncodeG711 converts 16-bit PCM samples to the given G.711 variant.
func EncodeG711(pcm []byte, codec Codec) ([]byte, error) {
	switch codec.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	}
	return nil, fmt.Errorf("cannot encode to %s", codec.Name)
}

// DecodeG711 converts a G.711 payload to 16-bit PCM samples.
func DecodeG711(payload []byte, codec Codec) ([]byte, error) {
	switch codec.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.DecodeUlaw(payload), nil
	case CodecPCMA.PayloadType:
		return g711.DecodeAlaw(payload), nil
	}
	return nil, fmt.Errorf("cannot decode %s", codec.Name)
}

// LoadPrompt reads a WAV file and converts it to G.711 frames ready
// for streaming with the given codec.
func LoadPrompt(filePath string, codec Codec) ([]byte, error) {
	audioFile, err := ReadWAVFile(filePath)
	if err != nil {
		return nil, err
	}
	pcm, err := ResampleAudio(audioFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	return EncodeG711(pcm, codec)
}
