package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/emberchat/backend/internal/domain"
)

// Decoder turns the upstream's newline-delimited event:/data: byte
// stream into typed events. Malformed or unrecognized frames are
// skipped rather than failing the stream; a read error or EOF ends it.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	// Tool-argument frames can run long.
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Decoder{scanner: sc}
}

// Next returns the next decoded event, or io.EOF when the stream ends.
func (d *Decoder) Next() (*Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // event: lines and keepalive comments are redundant with the payload type
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		ev, ok := decodeFrame([]byte(data))
		if !ok {
			continue
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func decodeFrame(data []byte) (*Event, bool) {
	if !gjson.ValidBytes(data) {
		return nil, false
	}
	kind := gjson.GetBytes(data, "type").String()
	if kind == "" {
		return nil, false
	}

	ev := &Event{Type: kind, Raw: data}
	switch kind {
	case EventMessageStart:
		var frame struct {
			Message Response `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, false
		}
		ev.Message = &frame.Message
		ev.Usage = &frame.Message.Usage

	case EventContentBlockStart:
		var frame struct {
			Index int          `json:"index"`
			Block ContentBlock `json:"content_block"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, false
		}
		ev.Index = frame.Index
		ev.Block = &frame.Block

	case EventContentBlockDelta:
		var frame struct {
			Index int   `json:"index"`
			Delta Delta `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, false
		}
		ev.Index = frame.Index
		ev.Delta = &frame.Delta

	case EventContentBlockStop:
		ev.Index = int(gjson.GetBytes(data, "index").Int())

	case EventMessageDelta:
		var frame struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage *domain.Usage `json:"usage"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, false
		}
		ev.StopReason = frame.Delta.StopReason
		ev.Usage = frame.Usage

	case EventMessageStop, EventPing:
		// type only

	case EventError:
		var frame struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, false
		}
		ev.Err = &frame.Error

	default:
		// Forward-compatible: unknown event types pass through with Raw
		// only, so the relay can ignore them.
	}
	return ev, true
}
