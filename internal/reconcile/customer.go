package reconcile

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/araddon/dateparse"
)

// MeetingDateLayout is the display format for meeting dates ("Nov 12, 2024").
const MeetingDateLayout = "Jan 02, 2006"

var (
	customerField = regexp.MustCompile(`(?i)["']?customer_name["']?\s*:\s*["']([^"']+)["']`)
	dateField     = regexp.MustCompile(`(?i)["']?meeting_date["']?\s*:\s*["']([^"']+)["']`)
)

// emptyMarkers are placeholder answers models give instead of "".
var emptyMarkers = map[string]bool{
	"":     true,
	"null": true,
	"none": true,
	"n/a":  true,
	"na":   true,
}

// CustomerInfo is the once-per-document customer name and meeting date.
type CustomerInfo struct {
	CustomerName string
	MeetingDate  string
}

// ReconcileCustomerInfo parses the customer info answer. When the JSON is
// unusable it falls back to pulling the two fields out with regular
// expressions. Placeholder answers ("N/A", "null") become empty strings and
// dates are normalized to MeetingDateLayout.
func ReconcileCustomerInfo(raw string) (CustomerInfo, error) {
	var info CustomerInfo

	if text, err := ExtractJSON(raw); err == nil {
		var data struct {
			CustomerName any `json:"customer_name"`
			MeetingDate  any `json:"meeting_date"`
		}
		if json.Unmarshal([]byte(text), &data) == nil {
			info.CustomerName = cleanField(data.CustomerName)
			info.MeetingDate = NormalizeDate(cleanField(data.MeetingDate))
			return info, nil
		}
	}

	nameMatch := customerField.FindStringSubmatch(raw)
	dateMatch := dateField.FindStringSubmatch(raw)
	if nameMatch == nil && dateMatch == nil {
		return info, ErrParse
	}
	if nameMatch != nil {
		info.CustomerName = cleanField(nameMatch[1])
	}
	if dateMatch != nil {
		info.MeetingDate = NormalizeDate(cleanField(dateMatch[1]))
	}
	return info, nil
}

func cleanField(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if emptyMarkers[strings.ToLower(s)] {
		return ""
	}
	return s
}

// NormalizeDate reformats any recognizable date as "Jan 02, 2006". Input it
// cannot parse is returned trimmed but otherwise unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, prefix := range []string{"meeting date:", "date:", "meeting on ", "on "} {
		if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return s
	}
	return t.Format(MeetingDateLayout)
}
