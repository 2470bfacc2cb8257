package audio_test

import (
	"slices"
	"testing"

	"github.com/xvoice/xvoice/pkg/audio"
)

func TestDownmix_Stereo(t *testing.T) {
	got := audio.Downmix([]int16{100, 200, -100, -200}, 2)
	want := []int16{150, -150}
	if !slices.Equal(got, want) {
		t.Errorf("Downmix = %v, want %v", got, want)
	}
}

func TestDownmix_NoOverflow(t *testing.T) {
	got := audio.Downmix([]int16{32767, 32767, -32768, -32768}, 2)
	want := []int16{32767, -32768}
	if !slices.Equal(got, want) {
		t.Errorf("Downmix = %v, want %v", got, want)
	}
}

func TestDownmix_DropsPartialFrame(t *testing.T) {
	got := audio.Downmix([]int16{10, 20, 30}, 2)
	if len(got) != 1 || got[0] != 15 {
		t.Errorf("Downmix = %v, want [15]", got)
	}
}

func TestResample_SameRate_ReturnsInput(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	got := audio.Resample(in, 1, 16000, 16000)
	if !slices.Equal(got, in) {
		t.Errorf("Resample = %v, want %v", got, in)
	}
}

func TestResample_Downsample_Length(t *testing.T) {
	in := make([]int16, 48000)
	got := audio.Resample(in, 1, 48000, 16000)
	if len(got) != 16000 {
		t.Errorf("len = %d, want 16000", len(got))
	}
}

func TestResample_Upsample_Interpolates(t *testing.T) {
	got := audio.Resample([]int16{0, 100}, 1, 8000, 16000)
	want := []int16{0, 50, 100, 100}
	if !slices.Equal(got, want) {
		t.Errorf("Resample = %v, want %v", got, want)
	}
}

func TestConvert_StereoResampleToMono16k(t *testing.T) {
	// One second of 8 kHz stereo becomes one second of 16 kHz mono.
	in := make([]int16, 8000*2)
	for i := range in {
		in[i] = 1000
	}
	got := audio.Convert(in, audio.Format{SampleRate: 8000, Channels: 2}, audio.Mono16k)
	if len(got) != 16000 {
		t.Fatalf("len = %d, want 16000", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestConvert_SameFormat_Unchanged(t *testing.T) {
	in := []int16{5, -5}
	got := audio.Convert(in, audio.Mono16k, audio.Mono16k)
	if !slices.Equal(got, in) {
		t.Errorf("Convert = %v, want %v", got, in)
	}
}
