// Package parser splits a raw chat line into prefix, command and arguments.
package parser

import (
	"regexp"
	"sort"
	"strings"
)

// Parsed is the result of parsing one trimmed text line.
type Parsed struct {
	Raw       string // original (trimmed) message
	Prefix    string // command-set prefix, "" when absent
	Command   string // command token including the leading slash
	Args      string // remainder after the command token
	IsCommand bool
}

// FullCommand returns the command including its prefix, if any.
func (p Parsed) FullCommand() string {
	if p.Prefix != "" {
		return p.Prefix + ":" + p.Command
	}
	return p.Command
}

var commandPattern = regexp.MustCompile(`^(/\S+)(.*)$`)

// Parser recognizes registered command-set prefixes in front of commands.
// Prefixes are user-chosen strings with no reserved delimiter, so the
// alternation is ordered longest-first: otherwise "hrk:/x" could match a
// shorter prefix "h".
type Parser struct {
	prefixes []string
	combined *regexp.Regexp
}

// New builds a parser for the given prefix set. Duplicates are dropped.
func New(prefixes []string) *Parser {
	p := &Parser{}
	p.setPrefixes(prefixes)
	return p
}

// Prefixes returns the known prefixes, longest first.
func (p *Parser) Prefixes() []string {
	out := make([]string, len(p.prefixes))
	copy(out, p.prefixes)
	return out
}

func (p *Parser) setPrefixes(prefixes []string) {
	seen := make(map[string]struct{}, len(prefixes))
	unique := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		unique = append(unique, prefix)
	}

	sort.Slice(unique, func(i, j int) bool {
		if len(unique[i]) != len(unique[j]) {
			return len(unique[i]) > len(unique[j])
		}
		return unique[i] < unique[j]
	})
	p.prefixes = unique

	if len(unique) == 0 {
		p.combined = nil
		return
	}

	quoted := make([]string, len(unique))
	for i, prefix := range unique {
		quoted[i] = regexp.QuoteMeta(prefix)
	}
	// The delimiter between prefix and command is loose: "skr:/chat",
	// "skr /chat" and "skr/chat" are all accepted.
	p.combined = regexp.MustCompile(`^(` + strings.Join(quoted, "|") + `)([:\s]*)(/\S+)(.*)$`)
}

// Parse splits a message into its command parts.
func (p *Parser) Parse(message string) Parsed {
	message = strings.TrimSpace(message)

	if p.combined != nil {
		if m := p.combined.FindStringSubmatch(message); m != nil {
			return Parsed{
				Raw:       message,
				Prefix:    m[1],
				Command:   m[3],
				Args:      strings.TrimSpace(m[4]),
				IsCommand: true,
			}
		}
	}

	if m := commandPattern.FindStringSubmatch(message); m != nil {
		return Parsed{
			Raw:       message,
			Command:   m[1],
			Args:      strings.TrimSpace(m[2]),
			IsCommand: true,
		}
	}

	return Parsed{
		Raw:  message,
		Args: message,
	}
}
