package sequencer

import "unicode/utf8"

// DefaultMaxEntryBytes leaves headroom under the cloud's 4000-byte entry
// limit for server-side wrapping.
const DefaultMaxEntryBytes = 3800

// Chunks splits payload into destination entries of at most maxBytes each,
// every one carrying the same trailing tag. Splits land on rune boundaries.
// A partially-replayed chunked item is still identifiable on the next cycle
// because every chunk repeats the origin id and time.
func Chunks(payload, linefeed, tag string, maxBytes int) []string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEntryBytes
	}
	reserved := len(linefeed) + len(tag)
	room := maxBytes - reserved
	if room < utf8.UTFMax {
		// Tag alone nearly fills the entry; emit it untruncated and let the
		// destination reject if it must.
		room = utf8.UTFMax
	}

	var chunks []string
	rest := payload
	for {
		if len(rest) <= room {
			chunks = append(chunks, TagBody(rest, linefeed, tag))
			return chunks
		}
		cut := room
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if cut == 0 {
			cut = room
		}
		chunks = append(chunks, TagBody(rest[:cut], linefeed, tag))
		rest = rest[cut:]
	}
}
