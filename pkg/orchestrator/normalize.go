package orchestrator

import (
	"regexp"
	"strings"
	"time"
)

// iataCities resolves the airport codes specialists commonly receive in
// travel-flavored queries. The table covers the codes the bundled
// specialists understand; unknown codes pass through untouched.
var iataCities = map[string]string{
	"NCE": "Nice,FR",
	"CDG": "Paris,FR",
	"ORY": "Paris,FR",
	"LHR": "London,GB",
	"JFK": "New York,US",
	"SFO": "San Francisco,US",
	"FRA": "Frankfurt,DE",
	"MAD": "Madrid,ES",
	"FCO": "Rome,IT",
	"NRT": "Tokyo,JP",
}

// countryNames enriches two-letter codes with full country names for
// ambiguous inputs.
var countryNames = map[string]string{
	"FR": "France", "GB": "United Kingdom", "US": "United States",
	"DE": "Germany", "ES": "Spain", "IT": "Italy", "JP": "Japan",
	"CA": "Canada", "AU": "Australia", "NL": "Netherlands",
}

// languageCodes maps language names to ISO 639-1.
var languageCodes = map[string]string{
	"english": "en", "french": "fr", "german": "de", "spanish": "es",
	"italian": "it", "japanese": "ja", "dutch": "nl", "portuguese": "pt",
}

var countryCodePattern = regexp.MustCompile(`^[A-Za-z]{2}$`)

// NormalizeLocation canonicalizes a location parameter to "City,CC" form:
// IATA codes are resolved, country codes are uppercased, and surrounding
// whitespace is dropped. Inputs without a country part pass through
// trimmed.
func NormalizeLocation(loc string) string {
	trimmed := strings.TrimSpace(loc)
	if trimmed == "" {
		return trimmed
	}
	if resolved, ok := iataCities[strings.ToUpper(trimmed)]; ok && len(trimmed) == 3 {
		return resolved
	}
	parts := strings.SplitN(trimmed, ",", 2)
	city := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return city
	}
	country := strings.TrimSpace(parts[1])
	if countryCodePattern.MatchString(country) {
		country = strings.ToUpper(country)
	}
	return city + "," + country
}

// CountryName returns the full country name for a "City,CC" location,
// enriching ambiguous inputs. Unknown codes return an empty string.
func CountryName(normalized string) string {
	parts := strings.SplitN(normalized, ",", 2)
	if len(parts) != 2 {
		return ""
	}
	return countryNames[strings.ToUpper(strings.TrimSpace(parts[1]))]
}

// dateLayouts are the accepted input forms for date normalization, tried
// in order.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"02/01/2006",
	"01/02/2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// NormalizeDate canonicalizes a date parameter to ISO 8601 (YYYY-MM-DD).
// Relative words today/tomorrow resolve against now; unparseable inputs
// pass through untouched.
func NormalizeDate(input string, now time.Time) string {
	trimmed := strings.TrimSpace(input)
	switch strings.ToLower(trimmed) {
	case "today":
		return now.Format("2006-01-02")
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return trimmed
}

// NormalizeLanguage canonicalizes a language parameter to ISO 639-1.
// Already-canonical two-letter codes are lowercased; unknown names pass
// through untouched.
func NormalizeLanguage(input string) string {
	trimmed := strings.TrimSpace(input)
	if code, ok := languageCodes[strings.ToLower(trimmed)]; ok {
		return code
	}
	if len(trimmed) == 2 {
		return strings.ToLower(trimmed)
	}
	return trimmed
}

// normalizeParameters applies the parameter normalizations in place on a
// task's parameter map for the well-known keys.
func normalizeParameters(params map[string]any, now time.Time) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "location", "origin", "destination", "city":
			normalized := NormalizeLocation(s)
			params[key] = normalized
			if name := CountryName(normalized); name != "" {
				if _, exists := params[key+"Country"]; !exists {
					params[key+"Country"] = name
				}
			}
		case "date", "departureDate", "returnDate", "checkIn", "checkOut":
			params[key] = NormalizeDate(s, now)
		case "language", "lang":
			params[key] = NormalizeLanguage(s)
		}
	}
	return params
}
