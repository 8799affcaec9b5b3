package chunk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType is the media type of an NDJSON chunk stream.
const ContentType = "application/x-ndjson"

// NDJSONEncoder writes one chunk per line and flushes after each when the
// writer supports it.
type NDJSONEncoder struct {
	enc     *json.Encoder
	flusher http.Flusher
}

// NewNDJSONEncoder returns an encoder writing to w.
func NewNDJSONEncoder(w io.Writer) *NDJSONEncoder {
	e := &NDJSONEncoder{enc: json.NewEncoder(w)}
	e.enc.SetEscapeHTML(false)
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes c followed by a newline.
func (e *NDJSONEncoder) Encode(c Chunk) error {
	if err := e.enc.Encode(c); err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// DecodeNDJSON reads chunks from r until EOF or after the final chunk.
func DecodeNDJSON(r io.Reader) ([]Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var out []Chunk
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return out, err
		}
		out = append(out, c)
		if c.IsFinal {
			break
		}
	}
	return out, scanner.Err()
}
