package stats

import (
	"fmt"
	"strings"
	"time"
)

const reportWidth = 60

// ReportLines renders a snapshot as the session report text. Pure; callable
// any number of times against the same snapshot.
func ReportLines(snap Snapshot) []string {
	duration := snap.TakenAt.Sub(snap.StartedAt)

	var lines []string
	rule := strings.Repeat("=", reportWidth)

	lines = append(lines,
		rule,
		"                    SESSION REPORT",
		rule,
		"",
		"Time:",
		fmt.Sprintf("  Started:  %s", snap.StartedAt.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("  Ended:    %s", snap.TakenAt.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("  Duration: %s", formatDuration(duration)),
		"",
		"Posts:",
		fmt.Sprintf("  Total from stream: %d", snap.TotalSeen),
		fmt.Sprintf("  Matched:           %d", snap.TotalMatched),
	)
	if snap.TotalSeen > 0 {
		rate := float64(snap.TotalMatched) / float64(snap.TotalSeen) * 100
		lines = append(lines, fmt.Sprintf("  Match rate:        %.2f%%", rate))
	}
	if snap.Malformed > 0 {
		lines = append(lines, fmt.Sprintf("  Malformed dropped: %d", snap.Malformed))
	}
	if snap.QueueDropped > 0 {
		lines = append(lines, fmt.Sprintf("  Queue dropped:     %d", snap.QueueDropped))
	}
	if snap.EnrichmentFailures > 0 {
		lines = append(lines, fmt.Sprintf("  Enrich failures:   %d", snap.EnrichmentFailures))
	}

	lines = append(lines, "", "Keyword matches:")
	if snap.TotalMatched > 0 {
		for _, entry := range snap.SortedKeywordEntries() {
			lines = append(lines, fmt.Sprintf("  %s: %d", entry.Key, entry.Count))
		}
	} else {
		lines = append(lines, "  No matches")
	}

	lines = append(lines, "", "Languages:")
	if len(snap.Languages) > 0 {
		all := snap.SortedLanguages()
		shown := snap.Languages
		for _, entry := range shown {
			pct := 0.0
			if snap.TotalSeen > 0 {
				pct = float64(entry.Count) / float64(snap.TotalSeen) * 100
			}
			lines = append(lines, fmt.Sprintf("  %s: %d (%.1f%%)", LanguageName(entry.Key), entry.Count, pct))
		}
		if rest := len(all) - len(shown); rest > 0 {
			lines = append(lines, fmt.Sprintf("  ... and %d more languages", rest))
		}
	} else {
		lines = append(lines, "  No language data")
	}

	if len(snap.Hashtags) > 0 {
		lines = append(lines, "", "Top hashtags:")
		for _, entry := range snap.Hashtags {
			lines = append(lines, fmt.Sprintf("  #%s: %d", entry.Key, entry.Count))
		}
	}

	if len(snap.Authors) > 0 {
		lines = append(lines, "", "Top authors:")
		for _, entry := range snap.Authors {
			name := entry.Label
			if name == "" {
				name = entry.Key
			}
			lines = append(lines, fmt.Sprintf("  %s: %d", name, entry.Count))
		}
	}

	lines = append(lines, "", rule)
	return lines
}

func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := total % 3600 / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
