package audio

// Convert returns samples converted to the rate of to, down-mixed to mono when
// to is mono. Down-mixing happens first so multi-channel input is only
// interpolated once. If the formats already match, samples is returned as is.
func Convert(samples []int16, from, to Format) []int16 {
	out := samples
	channels := from.Channels
	if channels > 1 && to.Channels == 1 {
		out = Downmix(out, channels)
		channels = 1
	}
	if from.SampleRate != to.SampleRate {
		out = Resample(out, channels, from.SampleRate, to.SampleRate)
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Uses int32
// arithmetic so that the sum cannot overflow. A trailing partial frame is
// dropped.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation per channel. If the rates are equal or invalid the input is
// returned unchanged.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
