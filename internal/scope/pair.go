package scope

import (
	"fmt"
	"slices"
)

// Classification places a path relative to both scopes of a pair
type Classification int

const (
	// SharedTracked paths are visible in both scopes and present in both trees
	SharedTracked Classification = iota
	// MainOnlyIgnored paths are kept out of main by local-only patterns
	MainOnlyIgnored
	// LocalOnlyIgnored paths are ignored by main but visible to local
	LocalOnlyIgnored
	// LocalOnlyContent paths are visible everywhere but only exist in local
	LocalOnlyContent
	// MainOnlyContent paths are visible everywhere but only exist in main
	MainOnlyContent
	// BothIgnored paths are excluded by both scopes
	BothIgnored
)

func (c Classification) String() string {
	switch c {
	case SharedTracked:
		return "SharedTracked"
	case MainOnlyIgnored:
		return "MainOnlyIgnored"
	case LocalOnlyIgnored:
		return "LocalOnlyIgnored"
	case LocalOnlyContent:
		return "LocalOnlyContent"
	case MainOnlyContent:
		return "MainOnlyContent"
	case BothIgnored:
		return "BothIgnored"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// MarshalText renders the classification by name in json and yaml reports
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Pair composes the scopes of a main and a local tree
type Pair struct {
	Main  *Scope
	Local *Scope
}

// LoadPair loads main with base patterns only and local with base plus
// local-only patterns.
func LoadPair(mainRoot, localRoot, localFile string) (*Pair, error) {
	mainScope, err := Load(mainRoot, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load main scope: %w", err)
	}
	localScope, err := Load(localRoot, localFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load local scope: %w", err)
	}
	return &Pair{Main: mainScope, Local: localScope}, nil
}

// Classify combines both scope verdicts with where the path exists
func (p *Pair) Classify(path string, inMain, inLocal bool) Classification {
	ignMain := p.Main.Ignored(path, false)
	ignLocal := p.Local.Ignored(path, false)

	switch {
	case ignMain && ignLocal:
		return BothIgnored
	case ignMain:
		return LocalOnlyIgnored
	case ignLocal:
		return MainOnlyIgnored
	case inMain && inLocal:
		return SharedTracked
	case inLocal:
		return LocalOnlyContent
	default:
		return MainOnlyContent
	}
}

// Problem is a static finding about the pattern sources of a pair
type Problem struct {
	Source  string
	Pattern string
	Reason  string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %q %s", p.Source, p.Pattern, p.Reason)
}

// CheckSuperset inspects the pattern sources for anything that could let
// local see a path main ignores: a base pattern of main missing from the
// same file in local, or a negation in the local-only file.
func (p *Pair) CheckSuperset() []Problem {
	localBase := make(map[string][]string)
	for _, src := range p.Local.Sources() {
		if !src.LocalOnly {
			localBase[src.Path] = src.Patterns
		}
	}

	var problems []Problem
	for _, src := range p.Main.Sources() {
		if src.LocalOnly {
			continue
		}
		have, ok := localBase[src.Path]
		for _, pattern := range src.Patterns {
			if !ok {
				problems = append(problems, Problem{Source: src.Path, Pattern: pattern, Reason: "is ignored in main but the file is missing in local"})
				continue
			}
			if !slices.Contains(have, pattern) {
				problems = append(problems, Problem{Source: src.Path, Pattern: pattern, Reason: "is ignored in main but missing from local"})
			}
		}
	}

	for _, src := range p.Local.Sources() {
		if !src.LocalOnly {
			continue
		}
		for _, pattern := range src.Patterns {
			if len(pattern) > 0 && pattern[0] == '!' {
				problems = append(problems, Problem{Source: src.Path, Pattern: pattern, Reason: "re-includes paths in local only"})
			}
		}
	}

	return problems
}
