// Package wire defines the messages exchanged between the hub and
// remote validators over a single bidirectional connection.
//
// Every frame is a JSON envelope carrying a type tag and a payload.
// The same tag is used for a request and its response; the callback
// token inside the payload is what joins the two.
package wire

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MsgSignup   MessageType = "signup"
	MsgValidate MessageType = "validate"
)

// Status of a single uptime check as reported by a validator.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Envelope is the outer frame of every protocol message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps payload in an envelope of the given type.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Data: data}, nil
}

// SignupRequest is sent by a validator right after connecting to
// prove possession of its key and join the pool.
type SignupRequest struct {
	Token     string `json:"callbackId"`
	IP        string `json:"ip"`
	PublicKey string `json:"publicKey"`
	// Address is the chain address payouts are sent to; the signing
	// key is an identity, not a payable address.
	Address   string `json:"payoutAddress"`
	Signature string `json:"signedMessage"`
}

// SignupReply acknowledges a successful signup on the same connection.
type SignupReply struct {
	Token       string `json:"callbackId"`
	ValidatorID string `json:"validatorId"`
}

// ValidateRequest asks a validator to check a single website.
type ValidateRequest struct {
	Token     string `json:"callbackId"`
	URL       string `json:"url"`
	WebsiteID string `json:"websiteId"`
	Email     string `json:"email"`
}

// ValidateReply carries one signed check result back to the hub.
type ValidateReply struct {
	Token       string `json:"callbackId"`
	Status      Status `json:"status"`
	LatencyMS   int64  `json:"latency"`
	WebsiteID   string `json:"websiteId"`
	ValidatorID string `json:"validatorId"`
	Signature   string `json:"signedMessage"`
}
