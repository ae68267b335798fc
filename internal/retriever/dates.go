package retriever

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const monthNames = `january|february|march|april|may|june|july|august|september|october|november|december|sept|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec`

var (
	digitRun    = regexp.MustCompile(`\d+`)
	dayMonthYr  = regexp.MustCompile(`(?:^|\D)(\d{1,2})[.\-](\d{1,2})[.\-](\d{4})(?:$|\D)`)
	isoDate     = regexp.MustCompile(`(?:^|\D)(\d{4})-(\d{2})-(\d{2})(?:$|\D)`)
	monthYear   = regexp.MustCompile(`(?i)(?:^|[^a-z])(` + monthNames + `)[\s_.,\-]*((?:19|20)\d{2})(?:$|\D)`)
	monthBefore = regexp.MustCompile(`(?i)(?:^|[^a-z])(` + monthNames + `)[\s_.,\-]*$`)
	monthByName = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// ExtractDate derives a best-effort publication date from a source
// identifier such as a file name or URL. Patterns are tried in order: a bare
// year, a day.month.year or day-month-year date, an ISO date, then a month
// name followed by a year. The zero time means no date was found.
func ExtractDate(source string) time.Time {
	for _, parse := range []func(string) (time.Time, bool){bareYear, dayMonthYear, iso, monthNameYear} {
		if t, ok := parse(source); ok {
			return t
		}
	}
	return time.Time{}
}

// bareYear finds a 19xx/20xx year that is not part of a numeric date and
// does not follow a month name.
func bareYear(s string) (time.Time, bool) {
	for _, loc := range digitRun.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		if end-start != 4 {
			continue
		}
		if start >= 2 && isDateSep(s[start-1]) && isDigit(s[start-2]) {
			continue
		}
		if end+1 < len(s) && isDateSep(s[end]) && isDigit(s[end+1]) {
			continue
		}
		if monthBefore.MatchString(s[:start]) {
			continue
		}
		year, _ := strconv.Atoi(s[start:end])
		if year < 1900 || year > 2099 {
			continue
		}
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func dayMonthYear(s string) (time.Time, bool) {
	m := dayMonthYr.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	return validDate(year, month, day)
}

func iso(s string) (time.Time, bool) {
	m := isoDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	return validDate(year, month, day)
}

func monthNameYear(s string) (time.Time, bool) {
	m := monthYear.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, ok := monthByName[strings.ToLower(m[1])[:3]]
	if !ok {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[2])
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), true
}

// validDate rejects dates that time.Date would normalize, like 31.02.
func validDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func isDigit(b byte) bool   { return b >= '0' && b <= '9' }
func isDateSep(b byte) bool { return b == '.' || b == '-' }
