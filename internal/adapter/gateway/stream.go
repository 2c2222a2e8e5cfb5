package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
)

// frameReader reassembles server-sent event frames from a byte stream. A
// frame is complete only at a blank-line boundary; trailing partial bytes
// stay buffered and are prefixed to the next read.
type frameReader struct {
	r   io.Reader
	buf []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// Next returns the payload of the next complete frame. It returns io.EOF
// when the stream ends cleanly on a frame boundary, and io.ErrUnexpectedEOF
// when bytes of an unterminated frame remain.
func (fr *frameReader) Next() (string, error) {
	for {
		if frame, rest, ok := cutFrame(fr.buf); ok {
			fr.buf = rest
			if payload := framePayload(frame); payload != "" {
				return payload, nil
			}
			continue // comment or heartbeat frame
		}

		chunk := make([]byte, 4096)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
			continue
		}
		if err == io.EOF && len(bytes.TrimSpace(fr.buf)) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		if err == nil {
			err = io.EOF
		}
		return "", err
	}
}

// cutFrame splits buf at the first blank-line boundary.
func cutFrame(buf []byte) (frame, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\n\n"))
	j := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case i >= 0 && (j < 0 || i < j):
		return buf[:i], buf[i+2:], true
	case j >= 0:
		return buf[:j], buf[j+4:], true
	default:
		return nil, buf, false
	}
}

// framePayload joins the data lines of a frame. Non-data fields (event, id,
// retry, comments) are ignored.
func framePayload(frame []byte) string {
	var parts []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			parts = append(parts, strings.TrimPrefix(data, " "))
		}
	}
	return strings.Join(parts, "\n")
}

// toolCallAccum merges tool call fragments that arrive spread over several
// stream chunks.
type toolCallAccum struct {
	name string
	args strings.Builder
}

// decodeStream reads SSE frames from body and emits chunks on ch until the
// terminal [DONE] frame, a decode failure, or context cancellation. It
// closes ch and body before returning.
func (c *Client) decodeStream(ctx context.Context, body io.ReadCloser, ch chan<- modelprovider.Chunk) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	fr := newFrameReader(body)
	calls := map[int]*toolCallAccum{}
	var usage *modelprovider.Usage

	emit := func(chunk modelprovider.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := func() {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call, err := decodeToolCall(calls[i].name, calls[i].args.String())
			if err != nil {
				emit(modelprovider.Chunk{Err: err})
				return
			}
			if !emit(modelprovider.Chunk{ToolCall: call}) {
				return
			}
		}
		emit(modelprovider.Chunk{Done: true, Usage: usage})
	}

	for {
		// Cancellation closes the channel without a terminal chunk; the
		// caller initiated it and finalizes on close.
		if ctx.Err() != nil {
			return
		}

		payload, err := fr.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(modelprovider.Chunk{Err: fmt.Errorf("gateway %s stream interrupted: %v: %w", c.name, err, domain.ErrTransientProvider)})
			return
		}
		if payload == "[DONE]" {
			finish()
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			emit(modelprovider.Chunk{Err: fmt.Errorf("decode gateway stream chunk: %w", err)})
			return
		}

		if chunk.Usage != nil {
			usage = &modelprovider.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !emit(modelprovider.Chunk{Token: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccum{}
				calls[tc.Index] = acc
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []streamToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type streamToolCall struct {
	Index    int `json:"index"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}
