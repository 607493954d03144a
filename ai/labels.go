package ai

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/zkorum/mathupdater/core"
)

// Column limits of the snapshot cluster table.
const (
	MaxLabelLength     = 100
	MaxSummaryLength   = 1000
	MaxReasoningLength = 2000
)

var labelPattern = regexp.MustCompile(`^\S+(?:\s\S+)?$`)

// ClusterLabel is the accepted label and summary of one cluster.
type ClusterLabel struct {
	Label   string
	Summary string
}

type rawCluster struct {
	Reasoning *string `json:"reasoning"`
	Label     *string `json:"label"`
	Summary   *string `json:"summary"`
}

type rawAnswer struct {
	Clusters map[string]json.RawMessage `json:"clusters"`
}

// ParseLabels decodes model output for n clusters. Keys outside 0..n-1
// are ignored. The strict shape is tried first; when any cluster breaks
// it, the loose shape (label and summary strings) is accepted and
// truncated to the column limits.
func ParseLabels(output string, n int) (map[int]ClusterLabel, bool, error) {
	answer, err := decodeAnswer(output)
	if err != nil {
		return nil, false, err
	}

	clusters := make(map[int]rawCluster, n)
	for key, raw := range answer.Clusters {
		k, err := strconv.Atoi(key)
		if err != nil || k < 0 || k >= n || strconv.Itoa(k) != key {
			continue
		}
		var c rawCluster
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		clusters[k] = c
	}

	if labels, ok := strictLabels(clusters, n); ok {
		return labels, true, nil
	}
	labels := looseLabels(clusters)
	if len(labels) == 0 {
		return nil, false, fmt.Errorf("%w: no cluster carries a label and summary", core.ErrMalformedLabels)
	}
	return labels, false, nil
}

func strictLabels(clusters map[int]rawCluster, n int) (map[int]ClusterLabel, bool) {
	labels := make(map[int]ClusterLabel, n)
	for k := 0; k < n; k++ {
		c, ok := clusters[k]
		if !ok || c.Label == nil || c.Summary == nil || c.Reasoning == nil {
			return nil, false
		}
		if utf8.RuneCountInString(*c.Reasoning) > MaxReasoningLength ||
			utf8.RuneCountInString(*c.Label) > MaxLabelLength ||
			utf8.RuneCountInString(*c.Summary) > MaxSummaryLength ||
			!labelPattern.MatchString(*c.Label) {
			return nil, false
		}
		labels[k] = ClusterLabel{Label: *c.Label, Summary: *c.Summary}
	}
	return labels, true
}

func looseLabels(clusters map[int]rawCluster) map[int]ClusterLabel {
	labels := make(map[int]ClusterLabel, len(clusters))
	for k, c := range clusters {
		if c.Label == nil || c.Summary == nil {
			continue
		}
		label := strings.TrimSpace(*c.Label)
		if label == "" {
			continue
		}
		labels[k] = ClusterLabel{
			Label:   truncateRunes(label, MaxLabelLength),
			Summary: truncateRunes(strings.TrimSpace(*c.Summary), MaxSummaryLength),
		}
	}
	return labels
}

func decodeAnswer(output string) (*rawAnswer, error) {
	s := strings.TrimSpace(output)
	if s == "" {
		return nil, fmt.Errorf("%w: empty output", core.ErrMalformedLabels)
	}

	var answer rawAnswer
	if err := json.Unmarshal([]byte(s), &answer); err == nil && answer.Clusters != nil {
		return &answer, nil
	}

	// Models wrap JSON in prose or code fences.
	if obj, ok := firstObject(s); ok {
		answer = rawAnswer{}
		if err := json.Unmarshal([]byte(obj), &answer); err == nil && answer.Clusters != nil {
			return &answer, nil
		}
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found (len=%d)", core.ErrMalformedLabels, len(s))
	}
	answer = rawAnswer{}
	if err := json.Unmarshal([]byte(s[start:end+1]), &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedLabels, err)
	}
	if answer.Clusters == nil {
		return nil, fmt.Errorf("%w: missing clusters object", core.ErrMalformedLabels)
	}
	return &answer, nil
}

// firstObject returns the first balanced {...} in s, skipping braces that
// appear inside JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
