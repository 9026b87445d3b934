// Package wire defines the client sync protocol: JSON messages exchanged
// over each client socket. Messages are two-element tuples of tag and
// body. Numbers decode as json.Number throughout, preserving 64-bit
// precision end to end; values outside the wire's representable integer
// range are rejected before send.
package wire

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/query"
)

// ErrorKind is the wire taxonomy of terminal client errors.
type ErrorKind string

const (
	InvalidMessage ErrorKind = "InvalidMessage"
	InvalidPush    ErrorKind = "InvalidPush"
	MutationFailed ErrorKind = "MutationFailed"
	Internal       ErrorKind = "Internal"
)

// Error is a typed protocol error, closing its connection with its kind.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

// NewError returns a typed protocol Error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Upstream message tags.
const (
	TagPing                 = "ping"
	TagPush                 = "push"
	TagPull                 = "pull"
	TagChangeDesiredQueries = "changeDesiredQueries"
	TagInitConnection       = "initConnection"
)

// Downstream message tags.
const (
	TagConnected = "connected"
	TagPong      = "pong"
	TagPokeStart = "pokeStart"
	TagPokePart  = "pokePart"
	TagPokeEnd   = "pokeEnd"
	TagError     = "error"
)

// QueryPatch is one element of a desired-queries patch.
type QueryPatch struct {
	Op   string     `json:"op"` // "put" or "del".
	Hash string     `json:"hash"`
	AST  *query.AST `json:"ast,omitempty"`
}

// Mutation is one optimistic client mutation of a push.
type Mutation struct {
	ID       int64           `json:"id"`
	ClientID string          `json:"clientID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Bodies of upstream messages.
type (
	PingBody struct{}

	PushBody struct {
		ClientGroupID string     `json:"clientGroupID"`
		Mutations     []Mutation `json:"mutations"`
	}

	PullBody struct {
		Raw json.RawMessage `json:"-"`
	}

	ChangeDesiredQueriesBody struct {
		DesiredQueriesPatch []QueryPatch `json:"desiredQueriesPatch"`
	}

	InitConnectionBody struct {
		DesiredQueriesPatch []QueryPatch `json:"desiredQueriesPatch"`
	}
)

// Upstream is a decoded client message: exactly one body is set.
type Upstream struct {
	Tag string

	Ping                 *PingBody
	Push                 *PushBody
	Pull                 *PullBody
	ChangeDesiredQueries *ChangeDesiredQueriesBody
	InitConnection       *InitConnectionBody
}

// DecodeUpstream decodes a client frame. Malformed frames and unknown
// tags return an *Error of kind InvalidMessage.
func DecodeUpstream(raw []byte) (*Upstream, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		return nil, NewError(InvalidMessage, "frame is not a [tag, body] tuple")
	}
	var tag string
	if err := json.Unmarshal(tuple[0], &tag); err != nil {
		return nil, NewError(InvalidMessage, "frame tag is not a string")
	}

	var out = &Upstream{Tag: tag}
	var body any
	switch tag {
	case TagPing:
		out.Ping = &PingBody{}
		body = out.Ping
	case TagPush:
		out.Push = &PushBody{}
		body = out.Push
	case TagPull:
		out.Pull = &PullBody{Raw: tuple[1]}
		return out, nil
	case TagChangeDesiredQueries:
		out.ChangeDesiredQueries = &ChangeDesiredQueriesBody{}
		body = out.ChangeDesiredQueries
	case TagInitConnection:
		out.InitConnection = &InitConnectionBody{}
		body = out.InitConnection
	default:
		return nil, NewError(InvalidMessage, "unknown message tag "+tag)
	}

	var dec = json.NewDecoder(bytes.NewReader(tuple[1]))
	dec.UseNumber()
	if err := dec.Decode(body); err != nil {
		return nil, NewError(InvalidMessage, "malformed "+tag+" body: "+err.Error())
	}
	return out, nil
}

// EntityPatch is one row-level patch of a poke.
type EntityPatch struct {
	Op         string         `json:"op"` // "put" or "del".
	EntityType string         `json:"entityType"`
	EntityID   map[string]any `json:"entityID"`
	Value      map[string]any `json:"value,omitempty"`
}

// ClientPatch adds or removes a client of the client group.
type ClientPatch struct {
	Op       string `json:"op"`
	ClientID string `json:"clientID"`
}

// Downstream message bodies.
type (
	ConnectedBody struct {
		WSID      string `json:"wsid"`
		Timestamp int64  `json:"timestamp"`
	}

	PokeStartBody struct {
		PokeID     string `json:"pokeID"`
		BaseCookie string `json:"baseCookie,omitempty"`
		Cookie     string `json:"cookie"`
	}

	PokePartBody struct {
		PokeID                string                  `json:"pokeID"`
		ClientsPatch          []ClientPatch           `json:"clientsPatch,omitempty"`
		LastMutationIDChanges map[string]int64        `json:"lastMutationIDChanges,omitempty"`
		DesiredQueriesPatches map[string][]QueryPatch `json:"desiredQueriesPatches,omitempty"`
		EntitiesPatch         []EntityPatch           `json:"entitiesPatch,omitempty"`
		GotQueriesPatch       []QueryPatch            `json:"gotQueriesPatch,omitempty"`
	}

	PokeEndBody struct {
		PokeID string `json:"pokeID"`
	}
)

// Downstream is one server-to-client message.
type Downstream struct {
	tag  string
	body any
}

// Downstream constructors.
func Connected(wsid string, timestamp int64) Downstream {
	return Downstream{TagConnected, ConnectedBody{WSID: wsid, Timestamp: timestamp}}
}
func Pong() Downstream                     { return Downstream{TagPong, struct{}{}} }
func PokeStart(b PokeStartBody) Downstream { return Downstream{TagPokeStart, b} }
func PokePart(b PokePartBody) Downstream   { return Downstream{TagPokePart, b} }
func PokeEnd(pokeID string) Downstream     { return Downstream{TagPokeEnd, PokeEndBody{PokeID: pokeID}} }
func ErrorMessage(kind ErrorKind, detail string) Downstream {
	return Downstream{TagError, []any{string(kind), detail}}
}

// Tag returns the message tag.
func (d Downstream) Tag() string { return d.tag }

// Body returns the message body.
func (d Downstream) Body() any { return d.body }

// Encode renders the tuple frame.
func (d Downstream) Encode() ([]byte, error) {
	if d.tag == TagError {
		// The error frame is a three-element tuple: tag, kind, detail.
		var parts = d.body.([]any)
		return json.Marshal([]any{d.tag, parts[0], parts[1]})
	}
	var b, err = json.Marshal([]any{d.tag, d.body})
	return b, errors.Wrapf(err, "encoding %s frame", d.tag)
}

// maxSafeInteger is the largest integer the wire format represents
// exactly.
const maxSafeInteger = 1<<53 - 1

// ErrUnrepresentable rejects values outside the wire's numeric range.
// A poke carrying such a value fails, but the server state still advances:
// the data is valid, just unsendable.
var ErrUnrepresentable = errors.New("numeric value is outside the representable wire range")

// CheckValue verifies that |v| is representable.
func CheckValue(v any) error {
	switch t := v.(type) {
	case int64:
		if t > maxSafeInteger || t < -maxSafeInteger {
			return errors.WithMessagef(ErrUnrepresentable, "%d", t)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return CheckValue(i)
		} else if f, err := t.Float64(); err == nil {
			return CheckValue(f)
		}
	case float64:
		if math.Abs(t) > maxSafeInteger && t == math.Trunc(t) {
			return errors.WithMessagef(ErrUnrepresentable, "%v", t)
		}
	case []any:
		for _, e := range t {
			if err := CheckValue(e); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, e := range t {
			if err := CheckValue(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckEntityPatch verifies every value of |p| is representable.
func CheckEntityPatch(p *EntityPatch) error {
	if err := CheckValue(p.EntityID); err != nil {
		return err
	}
	return CheckValue(p.Value)
}
