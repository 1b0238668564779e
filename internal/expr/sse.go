package expr

import "bytes"

// sseSeparator is one of the three newline conventions the SSE spec allows
// between lines of an event, and (doubled) between events. Grounded on the
// teacher's internal/mcpproxy/sse.go, which resolves the separator
// observed in the stream once and uses it for the remainder of the body;
// this package does the same but extracts the last event's "data:" field
// bytes instead of decoding a JSON-RPC message.
type sseSeparator []byte

var (
	sseSepCRLF = sseSeparator([]byte("\r\n"))
	sseSepLF   = sseSeparator([]byte("\n"))
	sseSepCR   = sseSeparator([]byte("\r"))
)

func detectSeparator(body []byte) sseSeparator {
	if bytes.Contains(body, []byte("\r\n")) {
		return sseSepCRLF
	}
	if bytes.Contains(body, []byte("\n")) {
		return sseSepLF
	}
	if bytes.Contains(body, []byte("\r")) {
		return sseSepCR
	}
	return sseSepLF
}

var sseDataPrefix = []byte("data:")

// LastSSEEventData returns the concatenated "data:" field bytes of the
// last complete event in an SSE stream body, joined with '\n' per the SSE
// multi-line-data convention. A complete event is terminated by a blank
// line (two consecutive separators); a trailing, not-yet-terminated event
// is ignored since the stream is still buffering it. Returns false if no
// complete event with a data field is present.
func LastSSEEventData(body []byte) ([]byte, bool) {
	sep := detectSeparator(body)
	blank := append(append([]byte{}, sep...), sep...)

	events := bytes.Split(body, blank)
	for i := len(events) - 1; i >= 0; i-- {
		ev := bytes.TrimSpace(events[i])
		if len(ev) == 0 {
			continue
		}
		if i == len(events)-1 && !bytes.HasSuffix(body, blank) {
			// Last chunk has no trailing blank-line terminator: still
			// accumulating, not a complete event yet.
			continue
		}
		if data, ok := extractDataField(ev, sep); ok {
			return data, true
		}
	}
	return nil, false
}

func extractDataField(event []byte, sep sseSeparator) ([]byte, bool) {
	lines := bytes.Split(event, sep)
	var parts [][]byte
	found := false
	for _, line := range lines {
		if bytes.HasPrefix(line, sseDataPrefix) {
			found = true
			v := bytes.TrimPrefix(line, sseDataPrefix)
			v = bytes.TrimPrefix(v, []byte(" "))
			parts = append(parts, v)
		}
	}
	if !found {
		return nil, false
	}
	return bytes.Join(parts, []byte("\n")), true
}
