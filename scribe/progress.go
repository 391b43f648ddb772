package scribe

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Checkpoint ranges used when mapping engine output to a percentage.
const (
	decodeFloor    = 35
	decodeCeiling  = 45
	timelineFloor  = 45
	timelineSpan   = 50
	timelineCap    = 95
	defaultLayers  = 32
	percentMaximum = 100
)

var (
	progressRegex  = regexp.MustCompile(`(?i)progress\s*[=:]\s*(\d+(?:\.\d+)?)\s*%`)
	finishedRegex  = regexp.MustCompile(`(?i)finish|done`)
	layerRegex     = regexp.MustCompile(`(?i)layer\s*(\d+)(?:\s*(?:/|of)\s*(\d+))?`)
	timestampRegex = regexp.MustCompile(`\[(?:(\d{2}):)?(\d{2}):(\d{2})\.(\d{3})`)
	errorRegex     = regexp.MustCompile(`(?i)error`)
)

// Stage maps a pipeline-stage keyword to a fixed checkpoint percentage.
type Stage struct {
	Keyword string
	Percent int

	// Layered stages refine Percent from a "layer i/n" token.
	Layered bool
}

// DefaultStages is the ordered keyword table for whisper.cpp diagnostics.
// Earlier entries win, so more specific keywords come first.
var DefaultStages = []Stage{
	{Keyword: "loading model", Percent: 5},
	{Keyword: "load_model", Percent: 5},
	{Keyword: "system_info", Percent: 10},
	{Keyword: "init", Percent: 15},
	{Keyword: "spectrogram", Percent: 20},
	{Keyword: "log_mel", Percent: 20},
	{Keyword: "feature", Percent: 20},
	{Keyword: "encode", Percent: 30},
	{Keyword: "decode", Percent: decodeFloor, Layered: true},
}

// ProgressSample is one candidate percentage and the line it came from.
type ProgressSample struct {
	Percent int
	Line    string
}

// Parser turns unstructured engine output into progress percentages.
type Parser struct {
	Stages      []Stage
	TotalLayers int
}

func NewParser() *Parser {
	return &Parser{Stages: DefaultStages, TotalLayers: defaultLayers}
}

// ParseDiagnostic maps one stderr line to a percentage. duration is the audio
// length in seconds, or 0 when unknown.
func (p *Parser) ParseDiagnostic(line string, duration float64) (ProgressSample, bool) {
	if m := progressRegex.FindStringSubmatch(line); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return ProgressSample{Percent: clampPercent(int(value)), Line: line}, true
		}
	}

	if finishedRegex.MatchString(line) {
		return ProgressSample{Percent: percentMaximum, Line: line}, true
	}

	lower := strings.ToLower(line)
	for _, stage := range p.Stages {
		if !strings.Contains(lower, stage.Keyword) {
			continue
		}
		percent := stage.Percent
		if stage.Layered {
			percent = p.layerPercent(line, stage.Percent)
		}
		return ProgressSample{Percent: clampPercent(percent), Line: line}, true
	}

	return p.ParseTimeline(line, duration)
}

// ParseTimeline only honours segment timestamps. It is used for transcript
// lines on stdout, where words such as "done" are speech, not diagnostics.
func (p *Parser) ParseTimeline(line string, duration float64) (ProgressSample, bool) {
	if duration <= 0 {
		return ProgressSample{}, false
	}
	elapsed, ok := parseTimestamp(line)
	if !ok {
		return ProgressSample{}, false
	}

	percent := timelineFloor + int(math.Floor(elapsed/duration*timelineSpan))
	if percent > timelineCap {
		percent = timelineCap
	}
	return ProgressSample{Percent: clampPercent(percent), Line: line}, true
}

// IsErrorLine reports whether a diagnostic line mentions an error.
func IsErrorLine(line string) bool {
	return errorRegex.MatchString(line)
}

func (p *Parser) layerPercent(line string, base int) int {
	m := layerRegex.FindStringSubmatch(line)
	if m == nil {
		return base
	}
	layer, err := strconv.Atoi(m[1])
	if err != nil {
		return base
	}
	total := p.TotalLayers
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			total = n
		}
	}
	if total <= 0 {
		total = defaultLayers
	}
	if layer > total {
		layer = total
	}
	return base + int(math.Floor(float64(layer)/float64(total)*(decodeCeiling-decodeFloor)))
}

func parseTimestamp(line string) (float64, bool) {
	m := timestampRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	var hours int
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	millis, _ := strconv.Atoi(m[4])
	return float64(hours*3600+minutes*60+seconds) + float64(millis)/1000, true
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > percentMaximum {
		return percentMaximum
	}
	return v
}
