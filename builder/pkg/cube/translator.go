package cube

import "time"

// noteCodeOrder is the closed set of annotation codes a fact value can
// carry in its comma-joined notes column.
var noteCodeOrder = []string{"a", "b", "c", "e", "f", "k", "p", "r", "s", "t", "u", "w", "x", "z"}

var englishNoteCodes = map[string]string{
	"a": "Average",
	"b": "Break in time series",
	"c": "Confidential",
	"e": "Estimated",
	"f": "Forecast",
	"k": "Low figure",
	"p": "Provisional",
	"r": "Revised",
	"s": "Significant",
	"t": "Total",
	"u": "Low reliability",
	"w": "None recorded",
	"x": "Missing data",
	"z": "Not applicable",
}

// transientFlags are the note codes stripped and re-derived on every
// replay: provisional, forecast, revision.
var transientFlags = []string{"p", "f", "r"}

// pendingFlags are the transient flags an upload may carry on its own rows,
// provisional and forecast; 'r' is only ever derived by the replay.
var pendingFlags = []string{"p", "f"}

// EnglishTranslator is the fallback Translator used when no localized
// string catalogue is wired in. Every locale gets the English strings.
type EnglishTranslator struct{}

func (EnglishTranslator) NoteCodeDescription(code, locale string) string {
	if d, ok := englishNoteCodes[code]; ok {
		return d
	}
	return code
}

func (EnglishTranslator) MonthName(m time.Month, locale string) string {
	return m.String()
}
