package fastmode

import (
	"strings"
	"unicode/utf8"

	"github.com/sells-group/insights-cli/internal/reconcile"
)

// Company name patterns, tried in order. The first capture group is the
// candidate. Numeric names ("7-Eleven", "7-11") are tried first so they are
// not split by the generic capitalized-word patterns.
var customerPatterns = compileAll(
	`(\d+[-\s]?Eleven)`,
	`(?:^|[^\d/-])(\d{1,2}[-\s]\d{1,2})(?:[^\d/-]|$)`,
	`([A-Z][a-zA-Z]*(?:Corp|Inc|LLC|Ltd))\.?`,
	`([A-Z][a-zA-Z]+\s+(?:Corp|Inc|LLC|Ltd))\.?`,
	`(?:meeting with|call with|discussion with)\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})\s+on\s`,
	`(?m)(?:meeting with|call with|discussion with)\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})(?:[.,]|$)`,
	`([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})\s+(?:discussion|meeting|call)`,
	`(?m)^([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})\s*[-–:]`,
	`(?:Customer|Client):\s*([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})`,
	`([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})\s+(?:team|customer|client)`,
	`(?m)^([A-Z][a-zA-Z]+)(?:\s|$)`,
)

var datePatterns = compileAll(
	`(\d{1,2}/\d{1,2}/\d{4})`,
	`(\d{1,2}-\d{1,2}-\d{4})`,
	`(?i)((?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})`,
	`(?i)((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2},?\s+\d{4})`,
	`(\d{4}[-/]\d{1,2}[-/]\d{1,2})`,
)

// notCompany rejects candidates containing note-taking vocabulary.
var notCompany = []string{"attendees", "notes", "tldr", "eng", "raw", "context", "very", "but", "with"}

// CustomerInfo guesses the customer name and meeting date from raw text.
// Either field is empty when nothing plausible is found.
func CustomerInfo(text string) reconcile.CustomerInfo {
	var info reconcile.CustomerInfo

	for _, re := range customerPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if plausibleCompany(candidate) {
			info.CustomerName = candidate
			break
		}
	}

	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			info.MeetingDate = reconcile.NormalizeDate(m[1])
			break
		}
	}
	return info
}

func plausibleCompany(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, w := range notCompany {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return len(strings.Fields(candidate)) <= 4 && utf8.RuneCountInString(candidate) < 50
}
