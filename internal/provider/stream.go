package provider

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Stream reads incremental text deltas from a server-sent-event response.
// Recv applies frames in transport order; there is no reordering.
type Stream struct {
	resp   *http.Response
	reader *bufio.Reader
	usage  Usage
	done   bool
}

func newStream(resp *http.Response) *Stream {
	return &Stream{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
	}
}

// Recv returns the next non-empty text delta. It returns io.EOF on clean
// stream end. Usage frames are folded into the running usage as they
// arrive; malformed event payloads are skipped.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, errRead := s.reader.ReadString('\n')
		if errRead != nil {
			if errRead == io.EOF {
				s.done = true
				return "", io.EOF
			}
			return "", errRead
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		if !gjson.Valid(payload) {
			continue
		}

		if usage := gjson.Get(payload, "usage"); usage.Exists() && usage.IsObject() {
			s.usage.InputTokens = usage.Get("prompt_tokens").Int()
			s.usage.OutputTokens = usage.Get("completion_tokens").Int()
		}
		if delta := gjson.Get(payload, "choices.0.delta.content"); delta.Exists() && delta.String() != "" {
			return delta.String(), nil
		}
	}
}

// Usage returns the accumulated usage report. Final totals are only
// guaranteed after Recv has returned io.EOF.
func (s *Stream) Usage() Usage { return s.usage }

// Close tears down the underlying network read.
func (s *Stream) Close() error {
	if s.resp == nil || s.resp.Body == nil {
		return nil
	}
	return s.resp.Body.Close()
}
