package transcode

import "fmt"

// Rendition is one output variant of the HLS ladder.
type Rendition struct {
	Height  int
	Bitrate string
}

// Name returns the stable label used in log output.
func (r Rendition) Name() string {
	return fmt.Sprintf("%dp", r.Height)
}

var defaultLadder = []Rendition{
	{Height: 1080, Bitrate: "5000k"},
	{Height: 720, Bitrate: "3000k"},
	{Height: 480, Bitrate: "1000k"},
	{Height: 360, Bitrate: "500k"},
}

// ladderFor keeps only the rungs that do not upscale the source. A source
// smaller than the whole ladder gets a single rung at its own height.
func ladderFor(sourceHeight int) []Rendition {
	if sourceHeight <= 0 {
		sourceHeight = 1080
	}
	var ladder []Rendition
	for _, rendition := range defaultLadder {
		if rendition.Height <= sourceHeight {
			ladder = append(ladder, rendition)
		}
	}
	if len(ladder) == 0 {
		ladder = []Rendition{{Height: sourceHeight, Bitrate: "500k"}}
	}
	return ladder
}
