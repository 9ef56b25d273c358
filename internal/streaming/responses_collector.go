package streaming

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponsesCollector folds an OpenAI Responses event stream into the
// single JSON envelope a non-streaming caller expects. Output items land
// at their declared output_index; gaps left by items the upstream never
// completed are filled with empty assistant messages.
type ResponsesCollector struct {
	id        string
	model     string
	createdAt int64
	status    string
	usage     string
	errorRaw  string
	items     map[int]string
	maxIndex  int
}

// NewResponsesCollector returns an empty accumulator for one stream.
func NewResponsesCollector() *ResponsesCollector {
	return &ResponsesCollector{status: "incomplete", items: make(map[int]string)}
}

// Feed consumes one SSE line. Non-data lines and the [DONE] marker are
// ignored; the envelope is driven purely by the response.* events.
func (c *ResponsesCollector) Feed(line []byte) {
	payload, ok := DataPayload(line)
	if !ok || IsDone(payload) {
		return
	}
	event := gjson.ParseBytes(payload)

	switch event.Get("type").String() {
	case "response.created":
		response := event.Get("response")
		c.id = response.Get("id").String()
		c.model = response.Get("model").String()
		c.createdAt = response.Get("created_at").Int()
	case "response.output_item.done":
		index := int(event.Get("output_index").Int())
		if item := event.Get("item"); item.Exists() {
			c.items[index] = item.Raw
			if index > c.maxIndex {
				c.maxIndex = index
			}
		}
	case "response.completed":
		c.status = "completed"
		response := event.Get("response")
		if usage := response.Get("usage"); usage.Exists() {
			c.usage = usage.Raw
		}
		// The completed event carries the authoritative output array;
		// prefer it over item-by-item accumulation when present.
		response.Get("output").ForEach(func(index, item gjson.Result) bool {
			i := int(index.Int())
			c.items[i] = item.Raw
			if i > c.maxIndex {
				c.maxIndex = i
			}
			return true
		})
	case "response.failed":
		c.status = "failed"
		if errObj := event.Get("response.error"); errObj.Exists() {
			c.errorRaw = errObj.Raw
		}
	}
}

// Result builds the collapsed envelope.
func (c *ResponsesCollector) Result() []byte {
	out := []byte(`{"object":"response"}`)
	out, _ = sjson.SetBytes(out, "id", c.id)
	out, _ = sjson.SetBytes(out, "created_at", c.createdAt)
	out, _ = sjson.SetBytes(out, "status", c.status)
	if c.model != "" {
		out, _ = sjson.SetBytes(out, "model", c.model)
	}

	out, _ = sjson.SetRawBytes(out, "output", []byte("[]"))
	if len(c.items) > 0 {
		for i := 0; i <= c.maxIndex; i++ {
			item, ok := c.items[i]
			if !ok {
				item = `{"type":"message","role":"assistant","status":"completed","content":[]}`
			}
			out, _ = sjson.SetRawBytes(out, "output.-1", []byte(item))
		}
	}
	if c.usage != "" {
		out, _ = sjson.SetRawBytes(out, "usage", []byte(c.usage))
	}
	if c.errorRaw != "" {
		out, _ = sjson.SetRawBytes(out, "error", []byte(c.errorRaw))
	}
	return out
}
