package audio

// downmixInto averages interleaved multi-channel samples into dst, one
// sample per frame, and returns the filled prefix of dst. frames is capped to
// what both slices can hold. It never allocates.
func downmixInto(dst, in []float32, channels, frames int) []float32 {
	if channels <= 0 {
		return dst[:0]
	}
	if limit := len(in) / channels; frames > limit {
		frames = limit
	}
	if frames > len(dst) {
		frames = len(dst)
	}

	if channels == 1 {
		return dst[:copy(dst[:frames], in[:frames])]
	}

	scale := 1 / float32(channels)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += in[base+c]
		}
		dst[f] = sum * scale
	}
	return dst[:frames]
}
