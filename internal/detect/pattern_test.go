package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRecognizer(t *testing.T, name, lang string) *PatternRecognizer {
	t.Helper()
	defs, err := DefaultRecognizers()
	require.NoError(t, err)
	for i := range defs {
		if defs[i].Name == name {
			rec, err := defs[i].Compile(lang, nil, ContextWindow{})
			require.NoError(t, err)
			return rec
		}
	}
	t.Fatalf("no default recognizer %q", name)
	return nil
}

func recognize(t *testing.T, rec Recognizer, lang, text string) []Entity {
	t.Helper()
	doc := &Document{Text: text, Language: lang, Tokens: TokenizerFor(lang).Tokenize(text)}
	out, err := rec.Recognize(context.Background(), doc)
	require.NoError(t, err)
	return out
}

func values(text string, es []Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, text[e.Start:e.End])
	}
	return out
}

func TestDefaultRecognizersCompileForEveryLanguage(t *testing.T) {
	defs, err := DefaultRecognizers()
	require.NoError(t, err)
	require.NotEmpty(t, defs)
	for _, lang := range DefaultLanguages {
		for i := range defs {
			if !defs[i].Supports(lang) {
				continue
			}
			_, err := defs[i].Compile(lang, []string{"account"}, ContextWindow{})
			assert.NoError(t, err, "%s/%s", defs[i].Name, lang)
		}
	}
}

func TestPhoneWithContextIsHighConfidence(t *testing.T) {
	text := "Call me at 555-123-4567"
	out := recognize(t, defaultRecognizer(t, "phone", "en"), "en", text)
	require.Len(t, out, 1)
	assert.Equal(t, KindPhone, out[0].Kind)
	assert.Equal(t, 11, out[0].Start)
	assert.Equal(t, 23, out[0].End)
	assert.GreaterOrEqual(t, out[0].Score, HighConfidence)
}

func TestPhoneWithoutContextKeepsBaseScore(t *testing.T) {
	out := recognize(t, defaultRecognizer(t, "phone", "en"), "en", "555-123-4567")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.6, out[0].Score, 1e-9)
}

func TestPhoneLocalAdjacentToWord(t *testing.T) {
	text := "555-1234John"
	out := recognize(t, defaultRecognizer(t, "phone", "en"), "en", text)
	require.Len(t, out, 1)
	assert.Equal(t, "555-1234", text[out[0].Start:out[0].End])
	assert.GreaterOrEqual(t, out[0].Score, DefaultMinScore)
}

func TestPhoneRejectsLongDigitRuns(t *testing.T) {
	out := recognize(t, defaultRecognizer(t, "phone", "en"), "en", "order 4111111111111111 shipped")
	assert.Empty(t, out)
}

func TestEmailRecognizer(t *testing.T) {
	text := "John Smith, email john@x.com"
	out := recognize(t, defaultRecognizer(t, "email", "en"), "en", text)
	require.Len(t, out, 1)
	assert.Equal(t, "john@x.com", text[out[0].Start:out[0].End])
	assert.Equal(t, 1.0, out[0].Score)
}

func TestCreditCardChecksum(t *testing.T) {
	rec := defaultRecognizer(t, "credit_card", "en")
	text := "card 4111 1111 1111 1111 and 4111 1111 1111 1112"
	out := recognize(t, rec, "en", text)
	require.Len(t, out, 1)
	assert.Equal(t, "4111 1111 1111 1111", text[out[0].Start:out[0].End])
	assert.Equal(t, 1.0, out[0].Score)
}

func TestIBANRecognizer(t *testing.T) {
	text := "wire to GB82 WEST 1234 5698 7654 32 please"
	out := recognize(t, defaultRecognizer(t, "iban", "de"), "de", text)
	require.Len(t, out, 1)
	assert.Equal(t, "GB82 WEST 1234 5698 7654 32", text[out[0].Start:out[0].End])
}

func TestSSNRecognizer(t *testing.T) {
	text := "my ssn is 123-45-6789, not 000-45-6789"
	out := recognize(t, defaultRecognizer(t, "us_ssn", "en"), "en", text)
	assert.Equal(t, []string{"123-45-6789"}, values(text, out))
	assert.InDelta(t, 0.85, out[0].Score, 1e-9)
}

func TestDateRecognizer(t *testing.T) {
	text := "born on March 5th, 2021 and seen 2020-02-30 then 12/05/2020"
	out := recognize(t, defaultRecognizer(t, "date", "en"), "en", text)
	assert.Equal(t, []string{"March 5th, 2021", "12/05/2020"}, values(text, out))
}

func TestIPAndURLRecognizers(t *testing.T) {
	text := "server 10.0.0.12 hosts https://example.org/a?b=c."
	ips := recognize(t, defaultRecognizer(t, "ip_address", "en"), "en", text)
	assert.Equal(t, []string{"10.0.0.12"}, values(text, ips))
	urls := recognize(t, defaultRecognizer(t, "url", "en"), "en", text)
	assert.Equal(t, []string{"https://example.org/a?b=c"}, values(text, urls))
}

func TestPostcodeAndStreetAddress(t *testing.T) {
	text := "I live at 221 Baker Street, London NW1 6XE"
	pc := recognize(t, defaultRecognizer(t, "uk_postcode", "en"), "en", text)
	assert.Equal(t, []string{"NW1 6XE"}, values(text, pc))
	st := recognize(t, defaultRecognizer(t, "street_address", "en"), "en", text)
	assert.Equal(t, []string{"221 Baker Street"}, values(text, st))
	assert.Greater(t, st[0].Score, 0.6)
}

func TestContextWindowIsBounded(t *testing.T) {
	rec := defaultRecognizer(t, "phone", "en")
	near := recognize(t, rec, "en", "phone 555-123-4567")
	far := recognize(t, rec, "en", "phone one two three four five six 555-123-4567")
	require.Len(t, near, 1)
	require.Len(t, far, 1)
	assert.Greater(t, near[0].Score, far[0].Score)
}

func TestContextWordsAfterMatch(t *testing.T) {
	rec := defaultRecognizer(t, "phone", "en")
	out := recognize(t, rec, "en", "555-123-4567 mobile, evenings")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.95, out[0].Score, 1e-9)
}

func TestNegativeContextLowersScore(t *testing.T) {
	rc := RecognizerConfig{
		Name:            "order_ref",
		SupportedEntity: "ORDER_ID",
		Patterns:        []PatternConfig{{Name: "ref", Regex: `\b[A-Z]{3}\d{5}\b`, Score: 0.7}},
		SupportedLanguages: []LanguageContext{{
			Language:        "en",
			Context:         []string{"customer"},
			NegativeContext: []string{"example"},
		}},
	}
	rec, err := rc.Compile("en", nil, ContextWindow{})
	require.NoError(t, err)
	plain := recognize(t, rec, "en", "ref ABC12345")
	neg := recognize(t, rec, "en", "for example ABC12345")
	pos := recognize(t, rec, "en", "customer ABC12345")
	require.Len(t, plain, 1)
	require.Len(t, neg, 1)
	require.Len(t, pos, 1)
	assert.InDelta(t, 0.7, plain[0].Score, 1e-9)
	assert.InDelta(t, 0.35, neg[0].Score, 1e-9)
	assert.Equal(t, 1.0, pos[0].Score)
}

func TestMultiWordContextAndExtraContext(t *testing.T) {
	rc := RecognizerConfig{
		Name:            "member",
		SupportedEntity: "MEMBER_ID",
		Patterns:        []PatternConfig{{Name: "id", Regex: `\bM\d{6}\b`, Score: 0.3}},
	}
	rec, err := rc.Compile("en", []string{"Actor Name:Actor", "full name"}, ContextWindow{})
	require.NoError(t, err)
	out := recognize(t, rec, "en", "Actor Name: Actor M123456")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.65, out[0].Score, 1e-9)
	out = recognize(t, rec, "en", "Name only M123456")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.3, out[0].Score, 1e-9)
}

func TestInvalidMatchCappedWhenConfigured(t *testing.T) {
	rc := RecognizerConfig{
		Name:            "strict_card",
		SupportedEntity: KindCreditCard,
		Validator:       "luhn",
		OnInvalid:       "cap",
		Patterns:        []PatternConfig{{Name: "sixteen", Regex: `\b\d{16}\b`, Score: 0.9}},
		SupportedLanguages: []LanguageContext{{
			Context: []string{"card"},
		}},
	}
	rec, err := rc.Compile("en", nil, ContextWindow{})
	require.NoError(t, err)
	out := recognize(t, rec, "en", "card 1234567812345678")
	require.Len(t, out, 1)
	assert.Equal(t, InvalidScoreCap, out[0].Score)
	assert.Less(t, out[0].Score, HighConfidence)
}

func TestOwnOverlapsPreferLongerThenHigherThenLeftmost(t *testing.T) {
	in := []Entity{
		{Kind: "X", Start: 0, End: 5, Score: 0.9},
		{Kind: "X", Start: 0, End: 8, Score: 0.5},
		{Kind: "X", Start: 10, End: 14, Score: 0.4},
		{Kind: "X", Start: 12, End: 16, Score: 0.6},
		{Kind: "X", Start: 20, End: 24, Score: 0.5},
		{Kind: "X", Start: 22, End: 26, Score: 0.5},
	}
	out := resolveOwnOverlaps(in)
	require.Len(t, out, 3)
	assert.Equal(t, Entity{Kind: "X", Start: 0, End: 8, Score: 0.5}, out[0])
	assert.Equal(t, Entity{Kind: "X", Start: 12, End: 16, Score: 0.6}, out[1])
	assert.Equal(t, Entity{Kind: "X", Start: 20, End: 24, Score: 0.5}, out[2])
}

func TestDenyListRecognizer(t *testing.T) {
	rc := RecognizerConfig{Name: "codenames", SupportedEntity: "CODENAME", DenyList: []string{"Bluebird", "Blue"}, DenyListScore: 0.8}
	rec, err := rc.Compile("en", nil, ContextWindow{})
	require.NoError(t, err)
	text := "project bluebird and blue sky, bluesy"
	out := recognize(t, rec, "en", text)
	assert.Equal(t, []string{"bluebird", "blue"}, values(text, out))
}

func TestCompileErrors(t *testing.T) {
	_, err := (&RecognizerConfig{Name: "x"}).Compile("en", nil, ContextWindow{})
	assert.ErrorContains(t, err, "supported_entity")
	_, err = (&RecognizerConfig{Name: "x", SupportedEntity: "X", Patterns: []PatternConfig{{Name: "p", Regex: "(", Score: 0.5}}}).Compile("en", nil, ContextWindow{})
	assert.Error(t, err)
	_, err = (&RecognizerConfig{Name: "x", SupportedEntity: "X", Validator: "nope", Patterns: []PatternConfig{{Name: "p", Regex: "a", Score: 0.5}}}).Compile("en", nil, ContextWindow{})
	assert.ErrorContains(t, err, "unknown validator")
	_, err = (&RecognizerConfig{Name: "x", SupportedEntity: "X", Patterns: []PatternConfig{{Name: "p", Regex: "a", Score: 1.5}}}).Compile("en", nil, ContextWindow{})
	assert.ErrorContains(t, err, "outside")
}

func TestLoadLegacyRecognizerJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recognizers.json")
	data := `{"POSTCODE": {"pattern": {"name": "pc", "regex": "\\b[A-Z]{2}\\d\\b", "score": 0.4}, "context": ["postcode"]}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	defs, err := LoadRecognizerFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "postcode", defs[0].Name)
	assert.Equal(t, "POSTCODE", defs[0].SupportedEntity)
	assert.Nil(t, defs[0].Languages())

	rec, err := defs[0].Compile("fr", nil, ContextWindow{})
	require.NoError(t, err)
	out := recognize(t, rec, "fr", "postcode AB1")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.75, out[0].Score, 1e-9)
}

func TestLoadRecognizerYAMLAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	data := `recognizers:
  - name: phone
    supported_entity: PHONE_NUMBER
    enabled: false
  - name: employee_id
    supported_entity: EMPLOYEE_ID
    patterns:
      - name: emp
        regex: '\bEMP-\d{4}\b'
        score: 0.9
    supported_languages:
      - language: en
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	custom, err := LoadRecognizerFile(path)
	require.NoError(t, err)
	defaults, err := DefaultRecognizers()
	require.NoError(t, err)

	merged := MergeRecognizers(defaults, custom)
	assert.Len(t, merged, len(defaults)+1)
	var phone *RecognizerConfig
	for i := range merged {
		if merged[i].Name == "phone" {
			phone = &merged[i]
		}
	}
	require.NotNil(t, phone)
	assert.False(t, phone.IsEnabled())
	assert.Equal(t, "employee_id", merged[len(merged)-1].Name)
	assert.Equal(t, []string{"en"}, merged[len(merged)-1].Languages())
}

func TestRecognizeHonoursCancelledContext(t *testing.T) {
	rec := defaultRecognizer(t, "email", "en")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rec.Recognize(ctx, &Document{Text: "a@b.co"})
	assert.ErrorIs(t, err, context.Canceled)
}
