// Package sequencer builds the ordered replay plan for one sync cycle.
// Neither platform exposes a replication cursor, so idempotency lives inside
// the replicated content: every item written to a destination carries a
// machine-parseable tag as the last line of its body, and each cycle scans
// the destination's existing tags to decide what is already synced.
package sequencer

import (
	"fmt"
	"html"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
)

// Tag origins. Helpdesk-origin tags appear on cloud entries, cloud-origin
// tags on helpdesk replies, notice tags on bridge-authored helpdesk notes.
const (
	OriginHelpdesk = "FROM_HELPDESK"
	OriginCloud    = "FROM_CLOUD"
	OriginNotice   = "BRIDGE_NOTICE"
)

// Platform linefeeds. The helpdesk renders HTML, the cloud renders plain
// text.
const (
	HelpdeskLinefeed = "<br>"
	CloudLinefeed    = "\n"
)

// MarkerSuffix marks a cloud file as replicated from the helpdesk. It sits
// before the extension so the file still opens naturally.
const MarkerSuffix = "__from_helpdesk"

type Tag struct {
	Origin string
	ID     string
	At     time.Time
}

// FormatTag renders a tag line. Notice tags carry only a timestamp.
func FormatTag(origin, id string, at time.Time) string {
	stamp := at.UTC().Format(time.RFC3339)
	if origin == OriginNotice {
		return fmt.Sprintf("[%s:%s]", origin, stamp)
	}
	return fmt.Sprintf("[%s:%s,%s]", origin, id, stamp)
}

var tagPattern = regexp.MustCompile(`^\[(FROM_HELPDESK|FROM_CLOUD|BRIDGE_NOTICE):([^,\]]*)(?:,([^\]]+))?\]$`)

// ParseTag parses one tag line. The line must be exactly the tag.
func ParseTag(line string) (Tag, bool) {
	match := tagPattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Tag{}, false
	}
	tag := Tag{Origin: match[1]}
	if tag.Origin == OriginNotice {
		at, err := time.Parse(time.RFC3339, match[2])
		if err != nil {
			return Tag{}, false
		}
		tag.At = at
		return tag, true
	}
	tag.ID = match[2]
	if tag.ID == "" {
		return Tag{}, false
	}
	at, err := time.Parse(time.RFC3339, match[3])
	if err != nil {
		return Tag{}, false
	}
	tag.At = at
	return tag, true
}

// BodyTag extracts the tag from the last non-empty line of a body, split on
// the given platform linefeed.
func BodyTag(body, linefeed string) (Tag, bool) {
	lines := strings.Split(body, linefeed)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(stripHTMLTags(lines[i]))
		if line == "" {
			continue
		}
		return ParseTag(line)
	}
	return Tag{}, false
}

// TagBody appends the tag as the body's last line.
func TagBody(body, linefeed, tag string) string {
	body = strings.TrimRight(body, linefeed+" \t\r\n")
	if body == "" {
		return tag
	}
	return body + linefeed + tag
}

// MarkFromHelpdesk inserts the replication marker before the file extension.
func MarkFromHelpdesk(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + MarkerSuffix + ext
}

func IsFromHelpdesk(name string) bool {
	ext := path.Ext(name)
	return strings.HasSuffix(strings.TrimSuffix(name, ext), MarkerSuffix)
}

// File notices wrap a cloud attachment replicated to the helpdesk. The
// metadata lines are parsed back on later cycles to mark the file synced.
const fileNoticeHeader = "A file was attached to the cloud case."

// FileNoticeBody renders the helpdesk reply body that accompanies a
// replicated cloud attachment.
func FileNoticeBody(file platform.CaseFile) string {
	lines := []string{
		fileNoticeHeader,
		"file_id: " + file.ID,
		"name: " + html.EscapeString(file.Name),
		"size: " + strconv.FormatInt(file.Size, 10),
	}
	return strings.Join(lines, HelpdeskLinefeed)
}

// ParseFileNotice extracts the cloud file id from a file-notice body.
func ParseFileNotice(bodyHTML string) (string, bool) {
	text := stripHTMLTags(strings.ReplaceAll(bodyHTML, HelpdeskLinefeed, "\n"))
	if !strings.Contains(text, fileNoticeHeader) {
		return "", false
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if id, ok := strings.CutPrefix(line, "file_id: "); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTMLTags(s string) string {
	return htmlTagPattern.ReplaceAllString(s, "")
}

// HTMLToText converts a helpdesk HTML body to cloud plain text.
func HTMLToText(bodyHTML string) string {
	s := bodyHTML
	for _, br := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>"} {
		s = strings.ReplaceAll(s, br, "\n")
	}
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// TextToHTML converts cloud plain text to a helpdesk HTML body.
func TextToHTML(text string) string {
	return strings.ReplaceAll(html.EscapeString(strings.TrimSpace(text)), "\n", HelpdeskLinefeed)
}
