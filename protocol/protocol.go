// Package protocol implements the push server's wire format: every websocket
// transmission carries a JSON array (a batch) of request or response objects.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/cyberinferno/pushload/sequence"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Commands understood by the push server.
const (
	CmdLogin    = "login"
	CmdRecvData = "rcvdata"
)

var (
	// ErrMalformedPayload is returned when a transmission is not a JSON array
	// of objects.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrProtocolViolation is returned when a well-formed batch contains an
	// element without a command tag.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Request is a single outbound request envelope.
type Request struct {
	Cmd   string `json:"cmd"`
	Seq   int64  `json:"seq"`
	Immed bool   `json:"immed"`
	Data  any    `json:"data"`
}

// Response is a single inbound envelope. Only Cmd is interpreted by the
// harness; Raw keeps the element exactly as received so no other field is
// ever type checked.
type Response struct {
	Cmd string
	Raw jsoniter.RawMessage
}

// Decode unmarshals the raw element into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// ResponseData is the full response envelope a server sends.
type ResponseData struct {
	Cmd  string              `json:"cmd"`
	Seq  int64               `json:"seq,omitempty"`
	Code int32               `json:"code"`
	Msg  string              `json:"msg,omitempty"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// LoginData is the payload of a login request.
type LoginData struct {
	UID int64 `json:"uid"`
}

// Encoder builds serialized request batches, stamping each request with the
// next value of a shared sequence generator.
type Encoder struct {
	seq *sequence.Generator
}

// NewEncoder creates an Encoder drawing sequence numbers from seq.
//
// Parameters:
//   - seq: The generator shared by every session of a run
//
// Returns:
//   - A new Encoder
func NewEncoder(seq *sequence.Generator) *Encoder {
	return &Encoder{seq: seq}
}

// Encode builds one Request, wraps it in a one element batch and serializes
// it. Exactly one sequence value is consumed per call.
//
// Parameters:
//   - cmd: The command name
//   - immed: Whether the server should deliver without buffering
//   - data: Command specific payload
//
// Returns:
//   - The serialized batch ready for transmission
//   - An error if data cannot be serialized
func (e *Encoder) Encode(cmd string, immed bool, data any) ([]byte, error) {
	req := Request{
		Cmd:   cmd,
		Seq:   e.seq.Next(),
		Immed: immed,
		Data:  data,
	}

	bs, err := json.Marshal([]Request{req})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", cmd, err)
	}

	return bs, nil
}

// Login encodes the login batch for uid.
func (e *Encoder) Login(uid int64) ([]byte, error) {
	return e.Encode(CmdLogin, true, LoginData{UID: uid})
}

// DecodeRequests parses an inbound request batch. It is used by the stub
// server; the harness itself only decodes responses.
func DecodeRequests(payload []byte) ([]Request, error) {
	if !isArray(payload) {
		return nil, ErrMalformedPayload
	}

	var reqs []Request
	if err := json.Unmarshal(payload, &reqs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for i := range reqs {
		if reqs[i].Cmd == "" {
			return nil, fmt.Errorf("%w: request %d has no cmd", ErrProtocolViolation, i)
		}
	}

	return reqs, nil
}

// DecodeResponses parses one inbound transmission into its response batch.
// An element only needs a string "cmd" member, which may be empty; every other
// member is left opaque.
//
// Parameters:
//   - payload: The raw transmission
//
// Returns:
//   - The responses in arrival order; on error, the ones preceding the
//     offending element
//   - ErrMalformedPayload if payload is not a JSON array of objects or a cmd
//     is not a string, or ErrProtocolViolation if an element has no cmd
func DecodeResponses(payload []byte) ([]Response, error) {
	if !isArray(payload) {
		return nil, ErrMalformedPayload
	}

	var elems []jsoniter.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	rsps := make([]Response, 0, len(elems))
	for i, elem := range elems {
		if !isObject(elem) {
			return rsps, fmt.Errorf("%w: response %d is not an object", ErrMalformedPayload, i)
		}

		var env struct {
			Cmd *string `json:"cmd"`
		}
		if err := json.Unmarshal(elem, &env); err != nil {
			return rsps, fmt.Errorf("%w: response %d: %v", ErrMalformedPayload, i, err)
		}
		if env.Cmd == nil {
			return rsps, fmt.Errorf("%w: response %d has no cmd", ErrProtocolViolation, i)
		}

		rsps = append(rsps, Response{Cmd: *env.Cmd, Raw: elem})
	}

	return rsps, nil
}

// NewResponse builds a ResponseData with data serialized into its payload.
func NewResponse(cmd string, seq int64, data any) (ResponseData, error) {
	rsp := ResponseData{Cmd: cmd, Seq: seq}
	if data == nil {
		return rsp, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return ResponseData{}, fmt.Errorf("encode %s data: %w", cmd, err)
	}

	rsp.Data = raw
	return rsp, nil
}

// EncodeResponses serializes a response batch.
func EncodeResponses(rsps []ResponseData) ([]byte, error) {
	bs, err := json.Marshal(rsps)
	if err != nil {
		return nil, fmt.Errorf("encode responses: %w", err)
	}

	return bs, nil
}

// isArray reports whether the first non-space byte opens a JSON array.
func isArray(payload []byte) bool {
	return opens(payload, '[')
}

func isObject(payload []byte) bool {
	return opens(payload, '{')
}

func opens(payload []byte, c byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == c
}
