package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed marks stored content that cannot be decoded into a ledger.
var ErrMalformed = errors.New("ledger: malformed content")

// Snapshot is the full ledger contents in order.
type Snapshot struct {
	Rosters []Roster
}

type Roster struct {
	Scope   int64
	Entries []Entry
}

func (s Snapshot) Len() int {
	n := 0
	for _, r := range s.Rosters {
		n += len(r.Entries)
	}
	return n
}

// flatten merges every roster into one, keeping the first position of a
// repeated user id.
func (s Snapshot) flatten() []Entry {
	seen := map[int64]int{}
	var out []Entry
	for _, r := range s.Rosters {
		for _, e := range r.Entries {
			if i, ok := seen[e.UserID]; ok {
				out[i].Name = e.Name
				continue
			}
			seen[e.UserID] = len(out)
			out = append(out, e)
		}
	}
	return out
}

const indentUnit = "    "

// EncodeJSON renders the snapshot as pretty-printed JSON with object keys in
// ledger order. flat writes a single {"user id": "name"} object.
func EncodeJSON(s Snapshot, flat bool) ([]byte, error) {
	var buf bytes.Buffer
	if flat {
		if err := writeEntries(&buf, s.flatten(), 0); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}

	if len(s.Rosters) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes(), nil
	}
	buf.WriteString("{\n")
	for i, r := range s.Rosters {
		buf.WriteString(indentUnit)
		if err := writeString(&buf, strconv.FormatInt(r.Scope, 10)); err != nil {
			return nil, err
		}
		buf.WriteString(": ")
		if err := writeEntries(&buf, r.Entries, 1); err != nil {
			return nil, err
		}
		if i < len(s.Rosters)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeEntries(buf *bytes.Buffer, entries []Entry, depth int) error {
	if len(entries) == 0 {
		buf.WriteString("{}")
		return nil
	}
	outer := strings.Repeat(indentUnit, depth)
	inner := outer + indentUnit
	buf.WriteString("{\n")
	for i, e := range entries {
		buf.WriteString(inner)
		if err := writeString(buf, strconv.FormatInt(e.UserID, 10)); err != nil {
			return err
		}
		buf.WriteString(": ")
		if err := writeString(buf, e.Name); err != nil {
			return err
		}
		if i < len(entries)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString(outer)
	buf.WriteByte('}')
	return nil
}

// writeString writes a JSON string literal without HTML escaping.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// DecodeJSON reads either layout: {"chat": {"user": "name"}} or the flat
// {"user": "name"}. Flat content lands in GlobalScope. Empty input decodes to
// an empty snapshot.
func DecodeJSON(b []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Snapshot{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := expectDelim(dec, '{'); err != nil {
		return Snapshot{}, err
	}

	var (
		snap Snapshot
		flat []Entry
		kind int // 0 unknown, 1 scoped, 2 flat
	)
	for dec.More() {
		key, err := readID(dec)
		if err != nil {
			return Snapshot{}, err
		}
		tok, err := dec.Token()
		if err != nil {
			return Snapshot{}, malformed(err)
		}
		switch v := tok.(type) {
		case json.Delim:
			if v != '{' || kind == 2 {
				return Snapshot{}, malformed(fmt.Errorf("unexpected %v under key %d", v, key))
			}
			kind = 1
			entries, err := readEntries(dec)
			if err != nil {
				return Snapshot{}, err
			}
			snap.Rosters = append(snap.Rosters, Roster{Scope: key, Entries: entries})
		case string:
			if kind == 1 {
				return Snapshot{}, malformed(fmt.Errorf("mixed layouts at key %d", key))
			}
			kind = 2
			flat = append(flat, Entry{UserID: key, Name: v})
		default:
			return Snapshot{}, malformed(fmt.Errorf("unexpected value %v under key %d", tok, key))
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return Snapshot{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Snapshot{}, malformed(errors.New("trailing data"))
	}
	if kind == 2 {
		snap.Rosters = []Roster{{Scope: GlobalScope, Entries: flat}}
	}
	return snap, nil
}

func readEntries(dec *json.Decoder) ([]Entry, error) {
	var out []Entry
	for dec.More() {
		id, err := readID(dec)
		if err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed(err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, malformed(fmt.Errorf("user %d: name is not a string", id))
		}
		out = append(out, Entry{UserID: id, Name: name})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return out, nil
}

func readID(dec *json.Decoder) (int64, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, malformed(err)
	}
	s, ok := tok.(string)
	if !ok {
		return 0, malformed(fmt.Errorf("unexpected key %v", tok))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, malformed(fmt.Errorf("key %q is not an integer id", s))
	}
	return id, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return malformed(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return malformed(fmt.Errorf("expected %q, got %v", want, tok))
	}
	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
