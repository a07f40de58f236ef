// Package anonymizer rewrites text around resolved entity spans.
package anonymizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"scrub/internal/detect"
)

// ErrInconsistentSpans reports spans that overlap, are out of order or fall
// outside the text. The request must be aborted; no partial output is made.
var ErrInconsistentSpans = errors.New("inconsistent entity spans")

// Policy picks the substitution for each entity kind. In a substitution,
// {{kind}} expands to the kind name and {{n}} to a per-kind counter that
// repeats for repeated values, so "<{{kind}}_{{n}}>" yields "<PERSON_1>".
type Policy struct {
	Default string            `mapstructure:"default" yaml:"default" json:"default"`
	PerKind map[string]string `mapstructure:"per_kind" yaml:"per_kind" json:"per_kind"`
}

// Remove replaces every span with the empty string.
func Remove() Policy { return Policy{} }

func (p Policy) template(kind string) string {
	for k, v := range p.PerKind {
		if strings.EqualFold(k, kind) {
			return v
		}
	}
	return p.Default
}

type OpType int

const (
	OpCopy OpType = iota
	OpSubstitute
)

// Op is one step of a rewrite: copy text[Start:End] verbatim, or put
// Replacement where text[Start:End] was.
type Op struct {
	Type        OpType
	Start, End  int
	Kind        string
	Replacement string
}

// Plan turns sorted, non-overlapping entities into copy and substitute steps
// that together cover text exactly once.
func Plan(text string, entities []detect.Entity, policy Policy) ([]Op, error) {
	ops := make([]Op, 0, 2*len(entities)+1)
	counters := map[string]int{}
	numbers := map[string]int{}
	cursor := 0
	for i, e := range entities {
		if e.Start < cursor || e.End > len(text) || e.Start >= e.End {
			return nil, fmt.Errorf("%w: entity %d %s [%d,%d) after offset %d in %d bytes",
				ErrInconsistentSpans, i, e.Kind, e.Start, e.End, cursor, len(text))
		}
		if e.Start > cursor {
			ops = append(ops, Op{Type: OpCopy, Start: cursor, End: e.Start})
		}
		ops = append(ops, Op{
			Type:        OpSubstitute,
			Start:       e.Start,
			End:         e.End,
			Kind:        e.Kind,
			Replacement: expand(policy.template(e.Kind), e.Kind, text[e.Start:e.End], counters, numbers),
		})
		cursor = e.End
	}
	if cursor < len(text) {
		ops = append(ops, Op{Type: OpCopy, Start: cursor, End: len(text)})
	}
	return ops, nil
}

func expand(tmpl, kind, value string, counters, numbers map[string]int) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	out := strings.ReplaceAll(tmpl, "{{kind}}", kind)
	if strings.Contains(out, "{{n}}") {
		key := kind + "|" + value
		n, ok := numbers[key]
		if !ok {
			counters[kind]++
			n = counters[kind]
			numbers[key] = n
		}
		out = strings.ReplaceAll(out, "{{n}}", strconv.Itoa(n))
	}
	return out
}

// Render applies a plan to the text it was made for.
func Render(text string, ops []Op) string {
	var out strings.Builder
	out.Grow(len(text))
	for _, op := range ops {
		switch op.Type {
		case OpCopy:
			out.WriteString(text[op.Start:op.End])
		case OpSubstitute:
			out.WriteString(op.Replacement)
		}
	}
	return out.String()
}

// Anonymize returns text with every entity span replaced per policy. With no
// entities the text is returned unchanged.
func Anonymize(text string, entities []detect.Entity, policy Policy) (string, error) {
	if len(entities) == 0 {
		return text, nil
	}
	ops, err := Plan(text, entities, policy)
	if err != nil {
		return "", err
	}
	return Render(text, ops), nil
}
