package bundle

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SearchMode is the bundle.entry.search.mode value spec §4.11 requires:
// "match" for primaries, "include" for Include Expansion results.
type SearchMode string

const (
	ModeMatch   SearchMode = "match"
	ModeInclude SearchMode = "include"
)

// WireEntry is one (key, raw document bytes, mode) triple the Fast
// Bundle Writer streams without decoding.
type WireEntry struct {
	Key   string
	Bytes []byte
	Mode  SearchMode
}

// Link is one bundle.link element.
type Link struct {
	Relation string
	URL      string
}

// WriteSearchset streams a searchset Bundle per spec §4.11: resource
// bytes are appended verbatim, never re-encoded, matching
// batch_controller.go's raw-byte response assembly. base is prefixed to
// each entry's key to build fullUrl.
func WriteSearchset(base string, total int, links []Link, entries []WireEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"resourceType":"Bundle","id":`)
	writeJSONString(&buf, uuid.New().String())
	buf.WriteString(`,"meta":{"lastUpdated":`)
	writeJSONString(&buf, time.Now().UTC().Format(time.RFC3339Nano))
	buf.WriteString(`},"type":"searchset","total":`)
	buf.WriteString(strconv.Itoa(total))
	buf.WriteString(`,"link":[`)
	for i, l := range links {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"relation":`)
		writeJSONString(&buf, l.Relation)
		buf.WriteString(`,"url":`)
		writeJSONString(&buf, l.URL)
		buf.WriteByte('}')
	}
	buf.WriteString(`],"entry":[`)
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"fullUrl":`)
		writeJSONString(&buf, base+"/"+e.Key)
		buf.WriteString(`,"resource":`)
		buf.Write(e.Bytes)
		buf.WriteString(`,"search":{"mode":`)
		writeJSONString(&buf, string(e.Mode))
		buf.WriteString(`}}`)
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}

// writeJSONString appends s to buf as a JSON string literal.
func writeJSONString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	buf.Write(encoded)
}
