package advisor

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// HeuristicAdvisor is the built-in estimator: a flat base stretched for
// command shapes that historically run long. It reports modest confidence,
// so the server's default timeout usually wins unless a keyword matches.
type HeuristicAdvisor struct {
	Base time.Duration
}

// slowHints mark command words that tend to run for minutes, not seconds.
var slowHints = map[string]time.Duration{
	"make":    5 * time.Minute,
	"cargo":   5 * time.Minute,
	"mvn":     5 * time.Minute,
	"gradle":  5 * time.Minute,
	"docker":  5 * time.Minute,
	"npm":     3 * time.Minute,
	"pytest":  3 * time.Minute,
	"test":    3 * time.Minute,
	"build":   3 * time.Minute,
	"install": 3 * time.Minute,
}

func (a HeuristicAdvisor) Estimate(_ context.Context, taskText string) Estimate {
	base := a.Base
	if base <= 0 {
		base = 60 * time.Second
	}
	best := Estimate{Duration: base, Confidence: 0.3}
	for _, word := range strings.Fields(taskText) {
		if d, ok := slowHints[word]; ok && d > best.Duration {
			best = Estimate{Duration: d, Confidence: 0.7}
		}
	}
	return best
}

// LoadavgSampler derives the multiplier from the 1-minute load average
// relative to CPU count: an unloaded host reports 1.0, a saturated one
// stretches deadlines up to Max.
type LoadavgSampler struct {
	Path string  // defaults to /proc/loadavg
	Max  float64 // defaults to 3.0
}

func (s LoadavgSampler) LoadMultiplier() float64 {
	path := s.Path
	if path == "" {
		path = "/proc/loadavg"
	}
	max := s.Max
	if max < 1.0 {
		max = 3.0
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 1.0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 1.0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 1.0
	}

	perCPU := load / float64(runtime.NumCPU())
	if perCPU <= 1.0 {
		return 1.0
	}
	if perCPU > max {
		return max
	}
	return perCPU
}
