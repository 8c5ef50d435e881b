// internal/parser/parser.go
package parser

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	angleAddrRe = regexp.MustCompile(`<([^>]+)>`)
	nameAddrRe  = regexp.MustCompile(`(.*)<(.*)>`)

	gmailQuoteRe = regexp.MustCompile(`(?is)<div class="gmail_quote">.*?</div>`)
	blockquoteRe = regexp.MustCompile(`(?is)<blockquote[^>]*>.*?</blockquote>`)
	brRe         = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseRe     = regexp.MustCompile(`(?i)</p>`)
	divCloseRe   = regexp.MustCompile(`(?i)</div>`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n`)

	// Quoted-reply headers: everything from the first match on is trimmed.
	quotePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)On\s+(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)?,?\s*\d{1,2}\s+\w{3},?\s+\d{4}.*?wrote:`),
		regexp.MustCompile(`(?is)From:\s+.*?Sent:\s+.*?To:\s+.*?Subject:`),
		regexp.MustCompile(`_{20,}`),
	}

	stripPolicy = bluemonday.StrictPolicy()
)

// ExtractEmail unwraps "Name <addr>" display forms and lower-cases the
// address for comparisons and grouping keys.
func ExtractEmail(s string) string {
	if s == "" {
		return ""
	}
	if m := angleAddrRe.FindStringSubmatch(s); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitAddress parses an RFC-style "Name <addr>" header value.
func SplitAddress(s string) (name, email string) {
	if s == "" {
		return "", ""
	}
	if m := nameAddrRe.FindStringSubmatch(s); m != nil {
		name = strings.Trim(strings.TrimSpace(m[1]), `"`)
		email = strings.TrimSpace(m[2])
		return name, email
	}
	return "", strings.TrimSpace(s)
}

// CleanBody turns an HTML email body into the plain text shown in the chat
// view: quoted history removed, tags stripped, entities decoded, and the
// text cut at the first quoted-reply header.
func CleanBody(body string) string {
	if body == "" {
		return ""
	}

	text := gmailQuoteRe.ReplaceAllString(body, "")
	text = blockquoteRe.ReplaceAllString(text, "")

	text = brRe.ReplaceAllString(text, "\n")
	text = pCloseRe.ReplaceAllString(text, "\n\n")
	text = divCloseRe.ReplaceAllString(text, "\n")

	plain := stripPolicy.Sanitize(text)
	plain = html.UnescapeString(plain)

	cutoff := len(plain)
	for _, re := range quotePatterns {
		if loc := re.FindStringIndex(plain); loc != nil && loc[0] < cutoff {
			cutoff = loc[0]
		}
	}

	clean := strings.TrimSpace(plain[:cutoff])
	return blankLinesRe.ReplaceAllString(clean, "\n\n")
}
