package capture

import "testing"

func TestSampleFormatMatchesBitDepth(t *testing.T) {
	cases := []struct {
		bitDepth int
		want     string
	}{
		{16, "s16le"},
		{24, "s24le"},
		{32, "s32le"},
		{0, "s16le"}, // unset falls back to 16-bit
	}
	for _, tc := range cases {
		if got := sampleFormat(tc.bitDepth); got != tc.want {
			t.Errorf("sampleFormat(%d) = %q, want %q", tc.bitDepth, got, tc.want)
		}
	}
}
