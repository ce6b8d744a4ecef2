// Package wire implements the capweb frame grammar.
//
// A frame is a JSON array whose first element is a message tag:
//
//	["push", expr]
//	["pull", id]
//	["resolve", id, expr]
//	["reject", id, expr]
//	["release", id, count]
//	["abort", expr]
//
// A batch is a sequence of frames joined by newlines and carried by
// a single transport message.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrUnknownMessage = errors.New("wire: unknown message type")
)

// Expression tags.
const (
	TagPipeline  = "pipeline"
	TagImport    = "import"
	TagExport    = "export"
	TagPromise   = "promise"
	TagRemap     = "remap"
	TagError     = "error"
	TagBigInt    = "bigint"
	TagDate      = "date"
	TagBytes     = "bytes"
	TagUndefined = "undefined"
	TagInf       = "inf"
	TagNegInf    = "-inf"
	TagNaN       = "nan"
	TagMap       = "map"
	TagSet       = "set"
	TagRegExp    = "regexp"
	TagStream    = "stream"
)

var api = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessagePush
	MessagePull
	MessageResolve
	MessageReject
	MessageRelease
	MessageAbort
)

func (t MessageType) String() string {
	switch t {
	case MessagePush:
		return "push"
	case MessagePull:
		return "pull"
	case MessageResolve:
		return "resolve"
	case MessageReject:
		return "reject"
	case MessageRelease:
		return "release"
	case MessageAbort:
		return "abort"
	default:
		return "unknown"
	}
}

func ParseMessageType(tag string) (MessageType, error) {
	switch tag {
	case "push":
		return MessagePush, nil
	case "pull":
		return MessagePull, nil
	case "resolve":
		return MessageResolve, nil
	case "reject":
		return MessageReject, nil
	case "release":
		return MessageRelease, nil
	case "abort":
		return MessageAbort, nil
	default:
		return MessageUnknown, fmt.Errorf("%w: %q", ErrUnknownMessage, tag)
	}
}

// Message is a decoded frame. Only the fields relevant to Type are set.
type Message struct {
	Type  MessageType
	ID    int64
	Count int64
	Expr  any
}

func Push(expr any) Message              { return Message{Type: MessagePush, Expr: expr} }
func Pull(id int64) Message              { return Message{Type: MessagePull, ID: id} }
func Resolve(id int64, expr any) Message { return Message{Type: MessageResolve, ID: id, Expr: expr} }
func Reject(id int64, expr any) Message  { return Message{Type: MessageReject, ID: id, Expr: expr} }
func Release(id, count int64) Message    { return Message{Type: MessageRelease, ID: id, Count: count} }
func Abort(expr any) Message             { return Message{Type: MessageAbort, Expr: expr} }

// Marshal serializes the message as a single frame.
func (m Message) Marshal() (string, error) {
	var arr []any
	switch m.Type {
	case MessagePush, MessageAbort:
		arr = []any{m.Type.String(), m.Expr}
	case MessagePull:
		arr = []any{m.Type.String(), m.ID}
	case MessageResolve, MessageReject:
		arr = []any{m.Type.String(), m.ID, m.Expr}
	case MessageRelease:
		arr = []any{m.Type.String(), m.ID, m.Count}
	default:
		return "", ErrUnknownMessage
	}
	return Encode(arr)
}

// Unmarshal parses a single frame.
func Unmarshal(frame string) (Message, error) {
	decoded, err := Decode(frame)
	if err != nil {
		return Message{}, err
	}

	arr, ok := decoded.([]any)
	if !ok || len(arr) == 0 {
		return Message{}, fmt.Errorf("%w: not a tagged array", ErrMalformedFrame)
	}
	tag, ok := arr[0].(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: tag is not a string", ErrMalformedFrame)
	}
	typ, err := ParseMessageType(tag)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Type: typ}
	switch typ {
	case MessagePush, MessageAbort:
		if len(arr) != 2 {
			return Message{}, arityErr(typ, len(arr))
		}
		msg.Expr = arr[1]
	case MessagePull:
		if len(arr) != 2 {
			return Message{}, arityErr(typ, len(arr))
		}
		if msg.ID, ok = AsInt(arr[1]); !ok {
			return Message{}, fmt.Errorf("%w: %s id is not an integer", ErrMalformedFrame, typ)
		}
	case MessageResolve, MessageReject:
		if len(arr) != 3 {
			return Message{}, arityErr(typ, len(arr))
		}
		if msg.ID, ok = AsInt(arr[1]); !ok {
			return Message{}, fmt.Errorf("%w: %s id is not an integer", ErrMalformedFrame, typ)
		}
		msg.Expr = arr[2]
	case MessageRelease:
		if len(arr) != 3 {
			return Message{}, arityErr(typ, len(arr))
		}
		if msg.ID, ok = AsInt(arr[1]); !ok {
			return Message{}, fmt.Errorf("%w: release id is not an integer", ErrMalformedFrame)
		}
		if msg.Count, ok = AsInt(arr[2]); !ok || msg.Count < 0 {
			return Message{}, fmt.Errorf("%w: release count must be a positive integer", ErrMalformedFrame)
		}
	}
	return msg, nil
}

func arityErr(typ MessageType, got int) error {
	return fmt.Errorf("%w: %s frame has %d elements", ErrMalformedFrame, typ, got)
}

// SplitBatch returns the non-empty frames of a batch.
func SplitBatch(batch string) []string {
	lines := strings.Split(batch, "\n")
	frames := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			frames = append(frames, line)
		}
	}
	return frames
}

func JoinBatch(frames []string) string {
	return strings.Join(frames, "\n")
}

// Encode serializes an expression tree to JSON.
func Encode(expr any) (string, error) {
	return api.MarshalToString(expr)
}

// Float renders a finite float so that it decodes back as a float even
// when it is integral.
func Float(f float64) json.Number {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

// Decode parses JSON into an expression tree. Numbers written without a
// fraction or exponent become int64 when they fit, other numbers become
// float64.
func Decode(s string) (any, error) {
	var out any
	if err := api.UnmarshalFromString(s, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return normalize(out), nil
}

func normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if !strings.ContainsAny(string(v), ".eE") {
			if i, err := v.Int64(); err == nil {
				return i
			}
		}
		f, err := v.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case []any:
		for i := range v {
			v[i] = normalize(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = normalize(v[k])
		}
		return v
	default:
		return v
	}
}

// AsInt converts a decoded number to an int64 when it is integral.
func AsInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v), true
		}
	}
	return 0, false
}
