package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Runner abstracts the media toolchain so the worker can be exercised
// without ffmpeg installed.
type Runner interface {
	// Probe inspects the input and reports its dimensions and duration.
	Probe(ctx context.Context, input string) (ProbeResult, error)
	// Thumbnail captures a single frame roughly one second in.
	Thumbnail(ctx context.Context, input, output string) error
	// TranscodeHLS produces the full HLS ladder under outputDir, reporting
	// completion fractions in [0,1] through onProgress.
	TranscodeHLS(ctx context.Context, input, outputDir string, ladder []Rendition, onProgress func(float64)) error
}

// ProbeResult carries the source properties the planner needs.
type ProbeResult struct {
	Width    int
	Height   int
	Duration float64
}

// FFmpegRunner shells out to ffmpeg and ffprobe.
type FFmpegRunner struct {
	// FFmpegPath and FFprobePath default to the binaries on PATH.
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

var _ Runner = (*FFmpegRunner)(nil)

// NewFFmpegRunner builds a runner using ffmpeg and ffprobe from PATH.
func NewFFmpegRunner(logger *slog.Logger) *FFmpegRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegRunner{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Logger: logger}
}

func (r *FFmpegRunner) Probe(ctx context.Context, input string) (ProbeResult, error) {
	result := ProbeResult{Width: 1920, Height: 1080}

	dims, err := exec.CommandContext(ctx, r.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		input,
	).Output()
	if err != nil {
		// Dimensions fall back to 1080p; duration is still required for
		// progress mapping.
		r.Logger.Warn("ffprobe dimensions failed, assuming 1080p", "input", input, "error", err)
	} else if width, height, ok := parseDimensions(string(dims)); ok {
		result.Width = width
		result.Height = height
	}

	duration, err := exec.CommandContext(ctx, r.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	).Output()
	if err != nil {
		return result, fmt.Errorf("ffprobe duration: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(duration)), 64)
	if err != nil {
		return result, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(duration)), err)
	}
	result.Duration = seconds
	return result, nil
}

func (r *FFmpegRunner) Thumbnail(ctx context.Context, input, output string) error {
	cmd := exec.CommandContext(ctx, r.FFmpegPath,
		"-ss", "1",
		"-i", input,
		"-vframes", "1",
		"-q:v", "2",
		"-y", output,
	)
	cmd.Stdout = newLogWriter(r.Logger, "thumbnail")
	cmd.Stderr = newLogWriter(r.Logger, "thumbnail")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w", err)
	}
	return nil
}

func (r *FFmpegRunner) TranscodeHLS(ctx context.Context, input, outputDir string, ladder []Rendition, onProgress func(float64)) error {
	if len(ladder) == 0 {
		return fmt.Errorf("rendition ladder is empty")
	}
	probe, err := r.Probe(ctx, input)
	if err != nil {
		return err
	}

	args := buildHLSArgs(input, outputDir, ladder)
	cmd := exec.CommandContext(ctx, r.FFmpegPath, args...)
	cmd.Stdout = newLogWriter(r.Logger, "transcode")
	cmd.Stderr = &progressWriter{
		logger:   newLogWriter(r.Logger, "transcode"),
		duration: probe.Duration,
		report:   onProgress,
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg hls: %w", err)
	}
	return nil
}

// buildHLSArgs assembles the single-pass ladder encode: the video stream is
// split once, scaled per rung, and every rung shares the source audio.
func buildHLSArgs(input, outputDir string, ladder []Rendition) []string {
	splits := make([]string, 0, len(ladder))
	filters := make([]string, 0, len(ladder)+1)
	for i := range ladder {
		splits = append(splits, fmt.Sprintf("[v%d]", i))
	}
	filters = append(filters, fmt.Sprintf("[0:v]split=%d%s", len(ladder), strings.Join(splits, "")))
	for i, rendition := range ladder {
		filters = append(filters, fmt.Sprintf("[v%d]scale=w=-2:h=%d[v%ds]", i, rendition.Height, i))
	}

	args := []string{
		"-i", input,
		"-filter_complex", strings.Join(filters, ";"),
	}
	streamMap := make([]string, 0, len(ladder))
	for i, rendition := range ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%ds]", i),
			"-map", "0:a",
			fmt.Sprintf("-b:v:%d", i), rendition.Bitrate,
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d", i, i))
	}
	args = append(args,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-hls_time", "6",
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "stream_%v", "segment_%03d.ts")),
		"-master_pl_name", "playlist.m3u8",
		"-var_stream_map", strings.Join(streamMap, " "),
		"-y", filepath.ToSlash(filepath.Join(outputDir, "stream_%v.m3u8")),
	)
	return args
}

var timePattern = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

// progressWriter scans ffmpeg stderr for time= markers and converts them to
// completion fractions against the probed duration.
type progressWriter struct {
	logger   *logWriter
	duration float64
	report   func(float64)
	buf      bytes.Buffer
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		_, _ = w.logger.Write(p)
	}
	if w.report == nil || w.duration <= 0 {
		return len(p), nil
	}
	w.buf.Write(p)
	// ffmpeg terminates status lines with \r, not \n.
	data := w.buf.Bytes()
	lastBreak := -1
	for i, b := range data {
		if b == '\r' || b == '\n' {
			lastBreak = i
		}
	}
	if lastBreak == -1 {
		return len(p), nil
	}
	complete := data[:lastBreak+1]
	for _, match := range timePattern.FindAllStringSubmatch(string(complete), -1) {
		if seconds, ok := parseTimeParts(match[1], match[2], match[3], match[4]); ok {
			fraction := seconds / w.duration
			if fraction > 1 {
				fraction = 1
			}
			w.report(fraction)
		}
	}
	w.buf.Next(lastBreak + 1)
	return len(p), nil
}

func parseTimeParts(hours, minutes, seconds, centis string) (float64, bool) {
	h, err1 := strconv.Atoi(hours)
	m, err2 := strconv.Atoi(minutes)
	s, err3 := strconv.Atoi(seconds)
	c, err4 := strconv.Atoi(centis)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return 0, false
	}
	divisor := 1.0
	for i := 0; i < len(centis); i++ {
		divisor *= 10
	}
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(c)/divisor, true
}

func parseDimensions(raw string) (int, int, bool) {
	parts := strings.SplitN(strings.TrimSpace(raw), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	height, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

// logWriter splits subprocess output into lines for structured logging.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	scanner := bufio.NewScanner(bytes.NewReader(bytes.ReplaceAll(p, []byte{'\r'}, []byte{'\n'})))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", line)
	}
	return total, nil
}
