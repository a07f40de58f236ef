package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Token is a word-like unit of the input. Text is always the exact slice
// text[Start:End]; Norm is the folded form used for lookups and never leaks
// into output.
type Token struct {
	Text       string
	Norm       string
	Start, End int
}

type Tokenizer interface {
	Tokenize(text string) []Token
}

// WordTokenizer splits on runs of letters and digits, and also between a
// letter run and a digit run so "555-1234John" yields "555", "1234", "John".
type WordTokenizer struct{}

func (WordTokenizer) Tokenize(text string) []Token {
	return foldTokens(splitWordsWithOffsets(text))
}

// RuneTokenizer emits one token per ideograph, kana or Thai rune and falls
// back to word runs for everything else. Used for scripts written without
// spaces between words.
type RuneTokenizer struct{}

func (RuneTokenizer) Tokenize(text string) []Token {
	tokens := make([]Token, 0)
	for _, w := range splitWordsWithOffsets(text) {
		if !containsUnspacedScript(w.Text) {
			tokens = append(tokens, w)
			continue
		}
		start := -1
		for i, r := range w.Text {
			abs := w.Start + i
			if isUnspacedScript(r) {
				if start >= 0 {
					tokens = append(tokens, Token{Text: text[start:abs], Start: start, End: abs})
					start = -1
				}
				end := abs + len(string(r))
				tokens = append(tokens, Token{Text: text[abs:end], Start: abs, End: end})
				continue
			}
			if start < 0 {
				start = abs
			}
		}
		if start >= 0 {
			tokens = append(tokens, Token{Text: text[start:w.End], Start: start, End: w.End})
		}
	}
	return foldTokens(tokens)
}

func isUnspacedScript(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Thai)
}

func containsUnspacedScript(s string) bool {
	for _, r := range s {
		if isUnspacedScript(r) {
			return true
		}
	}
	return false
}

// TokenizerFor returns the tokenizer for a language. Unknown languages get the
// word tokenizer.
func TokenizerFor(language string) Tokenizer {
	switch language {
	case "zh", "ja", "th":
		return RuneTokenizer{}
	default:
		return WordTokenizer{}
	}
}

type charClass int

const (
	classOther charClass = iota
	classLetter
	classDigit
)

func classify(r rune) charClass {
	switch {
	case unicode.IsLetter(r), unicode.Is(unicode.Mn, r):
		return classLetter
	case unicode.IsDigit(r):
		return classDigit
	default:
		return classOther
	}
}

func splitWordsWithOffsets(text string) []Token {
	tokens := make([]Token, 0)
	start := -1
	prev := classOther
	for i, r := range text {
		c := classify(r)
		if c == classOther {
			if start >= 0 {
				tokens = append(tokens, Token{Text: text[start:i], Start: start, End: i})
				start = -1
			}
			prev = c
			continue
		}
		if start >= 0 && c != prev {
			tokens = append(tokens, Token{Text: text[start:i], Start: start, End: i})
			start = -1
		}
		if start < 0 {
			start = i
		}
		prev = c
	}
	if start >= 0 {
		tokens = append(tokens, Token{Text: text[start:], Start: start, End: len(text)})
	}
	return tokens
}

// foldTokens fills Token.Norm with the NFKC case-folded text. A Caser is
// stateful, so each call gets its own.
func foldTokens(tokens []Token) []Token {
	caser := cases.Fold()
	for i := range tokens {
		tokens[i].Norm = caser.String(norm.NFKC.String(tokens[i].Text))
	}
	return tokens
}

// Fold returns the comparison form of s, matching Token.Norm.
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// stripAccents removes combining marks after canonical decomposition.
func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Span is a half-open byte range.
type Span struct {
	Start, End int
}

// Sentences splits text at terminal punctuation followed by whitespace and at
// line breaks. Leading and trailing whitespace is excluded from each span.
func Sentences(text string) []Span {
	out := make([]Span, 0)
	start := 0
	emit := func(end int) {
		s, e := start, end
		for s < e && isSpaceByte(text[s]) {
			s++
		}
		for e > s && isSpaceByte(text[e-1]) {
			e--
		}
		if s < e {
			out = append(out, Span{Start: s, End: e})
		}
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			emit(i)
			start = i + 1
		case '.', '!', '?':
			if i+1 < len(text) && isSpaceByte(text[i+1]) {
				emit(i + 1)
				start = i + 1
			}
		}
	}
	emit(len(text))
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}

type WordPieceTokenizer struct {
	vocab      map[string]int
	unkID      int
	clsID      int
	sepID      int
	maxWordLen int
	maxSeqLen  int
	lowercase  bool
}

// Encoding is the model input for one text: its words and the windows of
// sub-tokens that cover them. Consecutive windows overlap so words near a
// window edge still see context on both sides.
type Encoding struct {
	Words   []Token
	Windows []EncodedWindow
}

type EncodedWindow struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	// TokenToWordIdx maps each sub-token to its index in Words, -1 for
	// [CLS] and [SEP].
	TokenToWordIdx []int
	// Words in [OwnStart, OwnEnd) take their labels from this window.
	OwnStart, OwnEnd int
}

type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	Normalizer struct {
		Lowercase *bool `json:"lowercase"`
	} `json:"normalizer"`
}

func NewWordPieceTokenizer(tokenizerPath string) (*WordPieceTokenizer, error) {
	vocab, lowercase, err := loadTokenizerConfig(tokenizerPath)
	if err != nil {
		return nil, err
	}
	unkID, ok := vocab["[UNK]"]
	if !ok {
		return nil, fmt.Errorf("tokenizer vocab is missing [UNK]")
	}
	clsID, ok := vocab["[CLS]"]
	if !ok {
		return nil, fmt.Errorf("tokenizer vocab is missing [CLS]")
	}
	sepID, ok := vocab["[SEP]"]
	if !ok {
		return nil, fmt.Errorf("tokenizer vocab is missing [SEP]")
	}
	return &WordPieceTokenizer{vocab: vocab, unkID: unkID, clsID: clsID, sepID: sepID, maxWordLen: 100, maxSeqLen: 512, lowercase: lowercase}, nil
}

func loadTokenizerConfig(path string) (map[string]int, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	var cfg tokenizerJSON
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false, err
	}
	if len(cfg.Model.Vocab) == 0 {
		return nil, false, fmt.Errorf("tokenizer.json model.vocab is empty")
	}
	lowercase := true
	if cfg.Normalizer.Lowercase != nil {
		lowercase = *cfg.Normalizer.Lowercase
	}
	return cfg.Model.Vocab, lowercase, nil
}

// Encode converts text into model inputs. Text longer than one sequence is
// split into overlapping windows; every word is covered and owned by exactly
// one window.
func (t *WordPieceTokenizer) Encode(text string) (*Encoding, error) {
	words := splitWordsWithOffsets(text)
	enc := &Encoding{Words: words}
	if len(words) == 0 {
		return enc, nil
	}
	limit := t.maxSeqLen - 2
	if limit < 1 {
		return nil, fmt.Errorf("sequence length %d leaves no room for tokens", t.maxSeqLen)
	}
	overlap := limit / 8
	pieces := make([][]int, len(words))
	for i, w := range words {
		p := t.wordToPieces(w.Text)
		if len(p) > limit {
			p = p[:limit]
		}
		pieces[i] = p
	}

	start := 0
	for {
		end, n := start, 0
		for end < len(words) && n+len(pieces[end]) <= limit {
			n += len(pieces[end])
			end++
		}
		enc.Windows = append(enc.Windows, t.window(pieces, start, end))
		if end == len(words) {
			break
		}
		next, back := end, 0
		for next > start+1 && back+len(pieces[next-1]) <= overlap {
			next--
			back += len(pieces[next])
		}
		start = next
	}

	// ownership switches halfway through each overlap
	for k := range enc.Windows {
		w := &enc.Windows[k]
		if k+1 < len(enc.Windows) {
			nextStart := enc.Windows[k+1].OwnStart
			w.OwnEnd = (nextStart + w.OwnEnd) / 2
			enc.Windows[k+1].OwnStart = w.OwnEnd
		}
	}
	return enc, nil
}

// window builds the model input for words [start,end). OwnStart and OwnEnd
// start as the full range and are narrowed by Encode.
func (t *WordPieceTokenizer) window(pieces [][]int, start, end int) EncodedWindow {
	w := EncodedWindow{
		InputIDs:       []int64{int64(t.clsID)},
		AttentionMask:  []int64{1},
		TokenTypeIDs:   []int64{0},
		TokenToWordIdx: []int{-1},
		OwnStart:       start,
		OwnEnd:         end,
	}
	for wi := start; wi < end; wi++ {
		for _, id := range pieces[wi] {
			w.InputIDs = append(w.InputIDs, int64(id))
			w.AttentionMask = append(w.AttentionMask, 1)
			w.TokenTypeIDs = append(w.TokenTypeIDs, 0)
			w.TokenToWordIdx = append(w.TokenToWordIdx, wi)
		}
	}
	w.InputIDs = append(w.InputIDs, int64(t.sepID))
	w.AttentionMask = append(w.AttentionMask, 1)
	w.TokenTypeIDs = append(w.TokenTypeIDs, 0)
	w.TokenToWordIdx = append(w.TokenToWordIdx, -1)
	return w
}

func (t *WordPieceTokenizer) wordToPieces(word string) []int {
	if word == "" {
		return []int{t.unkID}
	}
	normalized := word
	if t.lowercase {
		normalized = stripAccents(strings.ToLower(word))
	}
	runes := []rune(normalized)
	if len(runes) > t.maxWordLen {
		return []int{t.unkID}
	}
	if id, ok := t.vocab[normalized]; ok {
		return []int{id}
	}
	ids := make([]int, 0)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found == -1 {
			return []int{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	if len(ids) == 0 {
		return []int{t.unkID}
	}
	return ids
}
