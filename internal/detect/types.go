package detect

import (
	"context"
	"errors"
	"math"
)

const (
	KindPerson        = "PERSON"
	KindLocation      = "LOCATION"
	KindOrganization  = "ORGANIZATION"
	KindEmail         = "EMAIL_ADDRESS"
	KindPhone         = "PHONE_NUMBER"
	KindCreditCard    = "CREDIT_CARD"
	KindIPAddress     = "IP_ADDRESS"
	KindIBAN          = "IBAN_CODE"
	KindUSSSN         = "US_SSN"
	KindDateTime      = "DATE_TIME"
	KindURL           = "URL"
	KindUKPostcode    = "UK_POSTCODE"
	KindStreetAddress = "STREET_ADDRESS"
)

// DefaultLanguage is used when the caller gives no language hint.
const DefaultLanguage = "en"

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrModelUnavailable    = errors.New("ner model unavailable")
)

// Entity is a detected span. Start and End are byte offsets into the analyzed
// text, so text[Start:End] is always the matched value.
type Entity struct {
	Kind   string
	Start  int
	End    int
	Score  float64
	Source string
}

func (e Entity) Len() int { return e.End - e.Start }

func (e Entity) Overlaps(o Entity) bool {
	return e.Start < o.End && o.Start < e.End
}

// Document is the shared, read-only input every recognizer sees for one request.
type Document struct {
	Text     string
	Language string
	Tokens   []Token
}

type Recognizer interface {
	Name() string
	Kinds() []string
	Recognize(ctx context.Context, doc *Document) ([]Entity, error)
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
