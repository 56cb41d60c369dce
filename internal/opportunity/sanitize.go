package opportunity

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/grantflow/harvest-cli/internal/model"
)

const (
	maxTitleLen       = 500
	maxDescriptionLen = 20000
	maxURLLen         = 2048
)

// CleanString NFC-normalizes, strips control characters (newlines and tabs
// survive), and trims surrounding whitespace. Feed payloads arrive with
// every encoding quirk their upstream CMSes produce.
func CleanString(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && !utf8start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8start(b byte) bool {
	return b&0xC0 != 0x80
}

// ParseMoney coerces a monetary value from the spellings feeds use:
// numbers, numeric strings, and formatted strings like "$1,500,000".
// Empty and null values return nil without error.
func ParseMoney(v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &t, nil
	case int:
		f := float64(t)
		return &f, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "opportunity: parse amount %q", t.String())
		}
		return &f, nil
	case string:
		cleaned := strings.TrimSpace(t)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		cleaned = strings.TrimSpace(cleaned)
		if cleaned == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, eris.Errorf("opportunity: unparseable amount %q", t)
		}
		return &f, nil
	default:
		return nil, eris.Errorf("opportunity: amount has unsupported type %T", v)
	}
}

// dateLayouts are tried in order when a feed sends dates as strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
}

// ParseDate coerces a date value. Empty and null values return nil without
// error; unparseable strings are an error so validation can flag the item.
func ParseDate(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC()
		return &u, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				u := parsed.UTC()
				return &u, nil
			}
		}
		return nil, eris.Errorf("opportunity: unparseable date %q", t)
	default:
		return nil, eris.Errorf("opportunity: date has unsupported type %T", v)
	}
}

// statusVocabulary folds the spellings feeds use onto the known set.
var statusVocabulary = map[string]model.OpportunityStatus{
	"forecasted":  model.OppStatusForecasted,
	"forecast":    model.OppStatusForecasted,
	"upcoming":    model.OppStatusForecasted,
	"anticipated": model.OppStatusForecasted,
	"open":        model.OppStatusOpen,
	"posted":      model.OppStatusOpen,
	"active":      model.OppStatusOpen,
	"accepting":   model.OppStatusOpen,
	"closed":      model.OppStatusClosed,
	"expired":     model.OppStatusClosed,
	"archived":    model.OppStatusArchived,
}

// NormalizeStatus lowercases and folds a status value into the known
// vocabulary. Unknown values stay verbatim (lowercased) rather than being
// guessed at.
func NormalizeStatus(s string) string {
	lowered := strings.ToLower(strings.TrimSpace(s))
	if folded, ok := statusVocabulary[lowered]; ok {
		return string(folded)
	}
	return lowered
}

// Sanitize normalizes an opportunity in place before persistence. The one
// cross-field rule: an open date after the close date drops the close date,
// since a record that closes before it opens is a feed defect.
func Sanitize(opp *model.Opportunity) {
	opp.ExternalID = CleanString(opp.ExternalID)
	opp.Title = truncate(CleanString(opp.Title), maxTitleLen)
	opp.Description = truncate(CleanString(opp.Description), maxDescriptionLen)
	opp.Status = NormalizeStatus(opp.Status)
	opp.URL = truncate(CleanString(opp.URL), maxURLLen)

	opp.Eligibility = cleanList(opp.Eligibility)
	opp.Categories = cleanList(opp.Categories)

	if opp.OpenDate != nil && opp.CloseDate != nil && opp.OpenDate.After(*opp.CloseDate) {
		zap.L().Warn("opportunity: open date after close date, dropping close date",
			zap.String("external_id", opp.ExternalID),
			zap.Time("open_date", *opp.OpenDate),
			zap.Time("close_date", *opp.CloseDate))
		opp.CloseDate = nil
	}
}

func cleanList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := values[:0]
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		cleaned := CleanString(v)
		if cleaned == "" || seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		out = append(out, cleaned)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
