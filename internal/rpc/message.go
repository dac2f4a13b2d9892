// Package rpc is the websocket protocol of the clearnode: signed
// request/response envelopes, typed method params, the dispatching router and
// the connection hub that pushes notifications.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clearnode/internal/sign"

	"github.com/ethereum/go-ethereum/crypto"
)

// Payload is the positional array [request_id, method, params, timestamp].
type Payload struct {
	RequestID uint64
	Method    Method
	Params    json.RawMessage
	Timestamp uint64
}

func (p Payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]any{p.RequestID, p.Method, params, p.Timestamp})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("payload must be an array: %w", err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("payload must have 4 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &p.RequestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &p.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	p.Params = parts[2]
	if err := json.Unmarshal(parts[3], &p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

// Request is a client message. The signatures cover keccak256 of the exact
// bytes of the req array.
type Request struct {
	Req Payload
	Sig []sign.Sig

	raw json.RawMessage
}

type requestWire struct {
	Req json.RawMessage `json:"req"`
	Sig []sign.Sig      `json:"sig"`
}

// NewRequest builds a request whose raw bytes are fixed, ready for signing.
func NewRequest(id uint64, method Method, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	payload := Payload{RequestID: id, Method: method, Params: raw, Timestamp: uint64(time.Now().UnixMilli())}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Request{Req: payload, raw: encoded}, nil
}

// Hash is what request signers sign.
func (r *Request) Hash() []byte {
	return crypto.Keccak256(r.raw)
}

func (r *Request) MarshalJSON() ([]byte, error) {
	raw := r.raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(r.Req); err != nil {
			return nil, err
		}
	}
	return json.Marshal(requestWire{Req: raw, Sig: r.Sig})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var wire requestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Req) == 0 {
		return errors.New("missing req")
	}
	if err := json.Unmarshal(wire.Req, &r.Req); err != nil {
		return err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, wire.Req); err != nil {
		return err
	}
	r.raw = compact.Bytes()
	r.Sig = wire.Sig
	return nil
}

// Response is a server message: a reply carries the request id, a
// notification carries id 0.
type Response struct {
	Res Payload    `json:"res"`
	Sig []sign.Sig `json:"sig,omitempty"`
}

// ErrorParams is the params of an error response.
type ErrorParams struct {
	Error string `json:"error"`
}

// NewResponse builds an unsigned response.
func NewResponse(id uint64, method Method, params any) (*Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Response{Res: Payload{
		RequestID: id,
		Method:    method,
		Params:    raw,
		Timestamp: uint64(time.Now().UnixMilli()),
	}}, nil
}

// NewErrorResponse builds the error envelope for a request.
func NewErrorResponse(id uint64, message string) *Response {
	resp, _ := NewResponse(id, MethodError, ErrorParams{Error: message})
	return resp
}

// Hash is keccak256 of the JSON res array.
func (r *Response) Hash() ([]byte, error) {
	raw, err := json.Marshal(r.Res)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(raw), nil
}

// SignWith attaches the broker signature.
func (r *Response) SignWith(signer *sign.Signer) error {
	hash, err := r.Hash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return err
	}
	r.Sig = []sign.Sig{sig}
	return nil
}

// IsError reports whether the response is an error envelope and returns its message.
func (r *Response) IsError() (string, bool) {
	if r.Res.Method != MethodError {
		return "", false
	}
	var params ErrorParams
	if err := json.Unmarshal(r.Res.Params, &params); err != nil {
		return "", true
	}
	return params.Error, true
}
