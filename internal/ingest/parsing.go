package ingest

import (
	"regexp"
	"strings"
)

// Quoted-history separators seen across Gmail and Outlook clients. The first
// match wins; everything from the separator on is dropped.
var historySeparators = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^-{2,}\s*Original Message\s*-{2,}`),
	regexp.MustCompile(`(?m)^_{10,}\s*$`),
	regexp.MustCompile(`(?m)^On .{5,100} wrote:\s*$`),
	regexp.MustCompile(`(?m)^\d{4}年\d{1,2}月\d{1,2}日.{0,60}:\s*$`),
	regexp.MustCompile(`(?m)^>?\s*From:\s.+$`),
	regexp.MustCompile(`(?m)^>?\s*差出人:\s.+$`),
	regexp.MustCompile(`(?m)^-{2,}\s*Forwarded message\s*-{2,}`),
}

// StripQuotedHistory removes quoted earlier messages from a reply body so
// the stages only see the new content. Prior context comes from the
// conversation store, not from the quoted tail.
func StripQuotedHistory(body string) string {
	cut := len(body)
	for _, sep := range historySeparators {
		if loc := sep.FindStringIndex(body); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	return strings.TrimSpace(body[:cut])
}

var idReplacer = strings.NewReplacer("/", "-", "+", "_")

// NormalizeID rewrites the URL-hostile characters some providers put in
// message and conversation IDs. Applied to every ID that enters the system
// so storage and lookups always agree.
func NormalizeID(id string) string {
	return idReplacer.Replace(id)
}
