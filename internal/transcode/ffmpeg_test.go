package transcode

import (
	"strings"
	"testing"
)

func TestLadderForFiltersUpscales(t *testing.T) {
	cases := []struct {
		height int
		want   []int
	}{
		{height: 2160, want: []int{1080, 720, 480, 360}},
		{height: 1080, want: []int{1080, 720, 480, 360}},
		{height: 720, want: []int{720, 480, 360}},
		{height: 480, want: []int{480, 360}},
		{height: 240, want: []int{240}},
		{height: 0, want: []int{1080, 720, 480, 360}},
	}
	for _, tc := range cases {
		ladder := ladderFor(tc.height)
		if len(ladder) != len(tc.want) {
			t.Fatalf("ladderFor(%d): got %d rungs, want %d", tc.height, len(ladder), len(tc.want))
		}
		for i, rendition := range ladder {
			if rendition.Height != tc.want[i] {
				t.Fatalf("ladderFor(%d)[%d] = %d, want %d", tc.height, i, rendition.Height, tc.want[i])
			}
		}
	}
}

func TestLadderForTinySourceUsesLowBitrate(t *testing.T) {
	ladder := ladderFor(144)
	if len(ladder) != 1 || ladder[0].Bitrate != "500k" {
		t.Fatalf("unexpected fallback ladder: %+v", ladder)
	}
}

func TestBuildHLSArgs(t *testing.T) {
	ladder := []Rendition{
		{Height: 720, Bitrate: "3000k"},
		{Height: 360, Bitrate: "500k"},
	}
	args := buildHLSArgs("/tmp/in.mp4", "/tmp/out", ladder)
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "[0:v]split=2[v0][v1];[v0]scale=w=-2:h=720[v0s];[v1]scale=w=-2:h=360[v1s]") {
		t.Fatalf("filter graph wrong:\n%s", joined)
	}
	if !strings.Contains(joined, "-map [v0s] -map 0:a -b:v:0 3000k") {
		t.Fatalf("first variant mapping wrong:\n%s", joined)
	}
	if !strings.Contains(joined, "-map [v1s] -map 0:a -b:v:1 500k") {
		t.Fatalf("second variant mapping wrong:\n%s", joined)
	}
	if !strings.Contains(joined, "-var_stream_map v:0,a:0 v:1,a:1") {
		t.Fatalf("var_stream_map wrong:\n%s", joined)
	}
	if !strings.Contains(joined, "-hls_segment_filename /tmp/out/stream_%v/segment_%03d.ts") {
		t.Fatalf("segment pattern wrong:\n%s", joined)
	}
	if !strings.Contains(joined, "-master_pl_name playlist.m3u8") {
		t.Fatalf("master playlist name wrong:\n%s", joined)
	}
	if args[len(args)-1] != "/tmp/out/stream_%v.m3u8" {
		t.Fatalf("output template wrong: %s", args[len(args)-1])
	}
}

func TestParseTimeParts(t *testing.T) {
	seconds, ok := parseTimeParts("01", "02", "03", "50")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	want := 3600.0 + 120.0 + 3.0 + 0.5
	if seconds != want {
		t.Fatalf("got %f, want %f", seconds, want)
	}
	if _, ok := parseTimeParts("x", "0", "0", "0"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestParseDimensions(t *testing.T) {
	width, height, ok := parseDimensions("1920x1080\n")
	if !ok || width != 1920 || height != 1080 {
		t.Fatalf("got %dx%d ok=%v", width, height, ok)
	}
	if _, _, ok := parseDimensions("garbage"); ok {
		t.Fatal("expected failure for garbage")
	}
	if _, _, ok := parseDimensions("0x0"); ok {
		t.Fatal("expected failure for zero dimensions")
	}
}

func TestProgressWriterReportsFractions(t *testing.T) {
	var got []float64
	writer := &progressWriter{
		duration: 100,
		report:   func(fraction float64) { got = append(got, fraction) },
	}
	// Typical ffmpeg status output, carriage-return terminated.
	if _, err := writer.Write([]byte("frame=  100 fps=25 time=00:00:25.00 bitrate=1000k\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := writer.Write([]byte("frame=  200 fps=25 time=00:01:4")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := writer.Write([]byte("0.00 bitrate=1000k\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 reports, got %v", got)
	}
	if got[0] != 0.25 || got[1] != 1.0 {
		t.Fatalf("unexpected fractions: %v", got)
	}
}

func TestProgressWriterClampsOverrun(t *testing.T) {
	var got []float64
	writer := &progressWriter{
		duration: 10,
		report:   func(fraction float64) { got = append(got, fraction) },
	}
	if _, err := writer.Write([]byte("time=00:00:15.00\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 1 || got[0] != 1.0 {
		t.Fatalf("expected clamp at 1.0, got %v", got)
	}
}
