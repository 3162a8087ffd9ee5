package services

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cast"
)

// Flag reasons recorded as "<field>:<reason>".
const (
	reasonMissing     = "missing"
	reasonUnparseable = "unparseable"
	reasonNotAllowed  = "not_allowed"
	reasonNonPositive = "non_positive"
	reasonOutOfRange  = "out_of_range"
)

var errNotIntegral = errors.New("value is not a whole number")

// thousandsGrouped matches numbers like "1,250" or "-12,000.5". Any other
// comma, such as a decimal comma, makes the value unparseable.
var thousandsGrouped = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+(\.\d+)?$`)

// nullMarkers are placeholder strings EPC extracts use instead of an empty cell.
var nullMarkers = map[string]struct{}{
	"NO DATA!": {},
	"INVALID!": {},
	"N/A":      {},
	"NODATA!":  {},
}

// dateLayouts are tried in order. Day-first formats are UK certificates.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"02/01/2006",
	"02/01/2006 15:04",
}

// efficiencyLabels maps element efficiency labels onto a 1..5 scale.
var efficiencyLabels = map[string]int{
	"very good": 5,
	"good":      4,
	"average":   3,
	"poor":      2,
	"very poor": 1,
}

// normaliseText strips leading/trailing whitespace, collapses internal
// whitespace and blanks out placeholder markers.
func normaliseText(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	s = strings.Join(fields, " ")
	if _, marker := nullMarkers[strings.ToUpper(s)]; marker {
		return ""
	}
	return s
}

func parseFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	if strings.Contains(s, ",") {
		if !thousandsGrouped.MatchString(s) {
			return nil, errors.New("misplaced comma in number")
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := cast.ToFloat64E(s)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("value is not finite")
	}
	return &f, nil
}

// parseInt accepts "58" and "58.0" but not "58.5". Parsing goes through the
// float path so leading zeros are never read as octal.
func parseInt(s string) (*int, error) {
	f, err := parseFloat(s)
	if err != nil || f == nil {
		return nil, err
	}
	if *f != math.Trunc(*f) {
		return nil, errNotIntegral
	}
	n := cast.ToInt(*f)
	return &n, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.New("unrecognised date")
}

func efficiencyScore(label string) *int {
	if n, ok := efficiencyLabels[strings.ToLower(label)]; ok {
		return &n
	}
	return nil
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
