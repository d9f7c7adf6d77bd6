package scraper

import (
	"broker-monitor/pkg/broker"
	"fmt"
	"regexp"
	"strings"
)

// Filter keeps candidates whose "title url" matches include and does not
// match exclude. A nil pattern always passes.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// NewFilter compiles the broker's include and exclude patterns. Either may
// be empty. A "/pattern/flags" literal is accepted; of its flags i, m and s
// are honoured.
func NewFilter(include, exclude string) (*Filter, error) {
	inc, err := compilePattern(include)
	if err != nil {
		return nil, fmt.Errorf("include pattern: %w", err)
	}
	exc, err := compilePattern(exclude)
	if err != nil {
		return nil, fmt.Errorf("exclude pattern: %w", err)
	}
	return &Filter{include: inc, exclude: exc}, nil
}

// Match reports whether c survives the filter.
func (f *Filter) Match(c broker.Candidate) bool {
	hay := c.Title + " " + c.URL
	if f.include != nil && !f.include.MatchString(hay) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(hay) {
		return false
	}
	return true
}

// Apply returns the candidates that survive, in their original order.
func (f *Filter) Apply(cands []broker.Candidate) []broker.Candidate {
	var out []broker.Candidate
	for _, c := range cands {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	return out
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if strings.TrimSpace(p) == "" {
		return nil, nil
	}
	if body, flags, ok := splitLiteral(p); ok {
		var prefix string
		for _, f := range flags {
			switch f {
			case 'i', 'm', 's':
				prefix += string(f)
			}
		}
		if prefix != "" {
			body = "(?" + prefix + ")" + body
		}
		p = body
	}
	return regexp.Compile(p)
}

// splitLiteral splits "/body/flags" into its parts. Without flags the body
// must contain a regex metacharacter, so a plain path such as "/business/"
// stays a pattern that matches itself.
func splitLiteral(p string) (string, string, bool) {
	if len(p) < 2 || p[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(p, '/')
	if end == 0 {
		return "", "", false
	}
	flags := p[end+1:]
	if strings.Trim(flags, "gimsuy") != "" {
		return "", "", false
	}
	body := p[1:end]
	if flags == "" && regexp.QuoteMeta(body) == body {
		return "", "", false
	}
	return body, flags, true
}
