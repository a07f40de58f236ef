package detect

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

//go:embed lexicon/*.txt
var lexiconFS embed.FS

const (
	lexiconFirstScore = 0.75
	lexiconNextScore  = 0.95
	lexiconMaxNext    = 3
)

// continuationStop lists capitalised words that never extend a name.
var continuationStop = map[string]bool{
	"i": true, "the": true, "and": true, "or": true, "but": true, "if": true, "so": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "today": true, "tomorrow": true, "yesterday": true,
	"january": true, "february": true, "march": true, "april": true, "june": true,
	"july": true, "august": true, "september": true, "october": true, "november": true, "december": true,
	"street": true, "road": true, "avenue": true, "lane": true,
}

// LexiconModel is a gazetteer tagger: a known given name written in title
// case begins a PERSON, and up to three following title-case words joined
// only by whitespace continue it. It emits BIO labels like a trained model.
type LexiconModel struct {
	language string
	names    map[string]bool
}

// NewLexiconModel loads the embedded gazetteer for language. ok is false when
// none is shipped.
func NewLexiconModel(language string) (*LexiconModel, bool, error) {
	data, err := lexiconFS.ReadFile("lexicon/" + language + ".txt")
	if err != nil {
		return nil, false, nil
	}
	names, err := parseLexicon(data)
	if err != nil {
		return nil, false, fmt.Errorf("lexicon %s: %w", language, err)
	}
	return &LexiconModel{language: language, names: names}, true, nil
}

// LexiconLanguages lists the languages with an embedded gazetteer.
func LexiconLanguages() []string {
	entries, err := lexiconFS.ReadDir("lexicon")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".txt"))
	}
	return out
}

func parseLexicon(data []byte) (map[string]bool, error) {
	names := map[string]bool{}
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names[Fold(line)] = true
	}
	return names, s.Err()
}

func (m *LexiconModel) Name() string { return "lexicon:" + m.language }

func (m *LexiconModel) Predict(ctx context.Context, text string, tokens []Token) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = WordTokenizer{}.Tokenize(text)
	}
	labels := make([]string, len(tokens))
	scores := make([]float64, len(tokens))
	for i := 0; i < len(tokens); i++ {
		labels[i] = "O"
		if !isTitleWord(tokens[i].Text) || !m.names[tokens[i].Norm] {
			continue
		}
		labels[i] = "B-PERSON"
		scores[i] = lexiconFirstScore
		for n := 0; n < lexiconMaxNext && i+1 < len(tokens); n++ {
			next := tokens[i+1]
			gap := text[tokens[i].End:next.Start]
			if gap == "" || strings.TrimSpace(gap) != "" || !isTitleWord(next.Text) || continuationStop[next.Norm] {
				break
			}
			i++
			labels[i] = "I-PERSON"
			scores[i] = lexiconNextScore
		}
	}
	return tokensToEntities(tokens, labels, scores, m.Name()), nil
}

// isTitleWord reports an upper-case first letter followed by at least one
// lower-case letter and nothing else.
func isTitleWord(s string) bool {
	first, size := utf8.DecodeRuneInString(s)
	if !unicode.IsUpper(first) || size == len(s) {
		return false
	}
	for _, r := range s[size:] {
		if !unicode.IsLower(r) {
			return false
		}
	}
	return true
}
