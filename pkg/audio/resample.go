// Package audio provides linear-interpolation resampling for the 16-bit
// signed little-endian mono PCM audio that flows between the client
// transport (48 kHz) and the STT/TTS providers (16 kHz).
package audio

import "fmt"

// supportedRates lists the sample rates the resampler accepts, both as a
// source and as a destination rate.
var supportedRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	32000: true,
	48000: true,
}

// SupportsRate reports whether rate is one of the supported PCM sample rates.
func SupportsRate(rate int) bool {
	return supportedRates[rate]
}

// ResampleMono16 resamples 16-bit signed little-endian mono PCM from srcRate
// to dstRate using linear interpolation between adjacent input samples.
// Output length is floor(len(pcm)/2 * dstRate / srcRate) samples; endpoints
// are clamped by repeating the last sample. If srcRate == dstRate the input
// is returned unchanged without copying.
//
// Returns an error only for malformed input: an odd byte count (not a whole
// number of int16 samples) or a zero-length buffer. Unsupported rates are
// also rejected so callers never silently resample to/from a rate the
// providers don't speak.
func ResampleMono16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio: resample: empty input")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: resample: odd byte count %d, not whole int16 samples", len(pcm))
	}
	if !SupportsRate(srcRate) {
		return nil, fmt.Errorf("audio: resample: unsupported source rate %d", srcRate)
	}
	if !SupportsRate(dstRate) {
		return nil, fmt.Errorf("audio: resample: unsupported destination rate %d", dstRate)
	}
	if srcRate == dstRate {
		return pcm, nil
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil, nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out, nil
}
