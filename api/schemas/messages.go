package schemas

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
)

// MessageType identifies a cross-frame wire message. The "tempo_" prefix
// is the protocol identifier shipped with the selection script; hosts that
// embed older frames continue to interoperate.
type MessageType string

const (
	// MessageSelectorReady is emitted by an instrumented frame once the
	// selection script has initialized. Observing it confirms injection
	// succeeded.
	MessageSelectorReady MessageType = "tempo_selector_ready"
	// MessageActivateSelection is sent by the host to toggle the frame's
	// selection mode.
	MessageActivateSelection MessageType = "tempo_activate_selection"
	// MessageElementSelected is emitted by an instrumented frame when the
	// user confirms a selection.
	MessageElementSelected MessageType = "tempo_element_selected"
	// MessageDOMMutation is emitted by an instrumented frame when the
	// observed document changes, prompting reverification of any held
	// selection.
	MessageDOMMutation MessageType = "tempo_dom_mutation"
)

// ActivatePayload toggles selection mode inside an instrumented frame.
type ActivatePayload struct {
	Active bool `json:"active"`
}

// ElementSelectedPayload is the raw selection data posted by the injected
// script. It is normalized into a Locator by the frame controller.
type ElementSelectedPayload struct {
	Selector   string            `json:"selector"`
	XPath      string            `json:"xpath"`
	TagName    string            `json:"tagName"`
	Rect       Rect              `json:"rect"`
	Styles     map[string]string `json:"styles,omitempty"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// OuterHTML is truncated by the sender; it is advisory context only.
	OuterHTML string `json:"outerHTMLSnippet,omitempty"`
	// PageURL and viewport are provenance hints from the frame side.
	PageURL  string   `json:"pageUrl,omitempty"`
	Viewport Viewport `json:"viewport,omitempty"`
}

// Message is a decoded and validated wire message. Exactly one of the
// payload pointers is set, matching Type.
type Message struct {
	Type     MessageType
	Activate *ActivatePayload
	Element  *ElementSelectedPayload
}

// envelope is the raw JSON shape on the wire: a type tag plus a payload
// object under "data" (absent for ready messages).
type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Errors classifying rejected wire messages. Callers log and drop; a bad
// message must never reach the selection callback.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedPayload   = errors.New("malformed message payload")
)

// DecodeMessage parses and validates a wire message. Payloads that fail
// validation are rejected here, at the boundary, rather than trusted
// downstream.
func DecodeMessage(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch env.Type {
	case MessageSelectorReady:
		return &Message{Type: MessageSelectorReady}, nil

	case MessageDOMMutation:
		return &Message{Type: MessageDOMMutation}, nil

	case MessageActivateSelection:
		var p ActivatePayload
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: activate message missing data", ErrMalformedPayload)
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &Message{Type: MessageActivateSelection, Activate: &p}, nil

	case MessageElementSelected:
		var p ElementSelectedPayload
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: selection message missing data", ErrMalformedPayload)
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return &Message{Type: MessageElementSelected, Element: &p}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	env := envelope{Type: m.Type}
	var payload any
	switch m.Type {
	case MessageSelectorReady, MessageDOMMutation:
		// No payload.
	case MessageActivateSelection:
		payload = m.Activate
	case MessageElementSelected:
		payload = m.Element
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (p *ElementSelectedPayload) validate() error {
	if p.Selector == "" && p.XPath == "" {
		return fmt.Errorf("%w: selection carries neither selector nor xpath", ErrMalformedPayload)
	}
	if p.TagName == "" {
		return fmt.Errorf("%w: selection missing tag name", ErrMalformedPayload)
	}
	if !p.Rect.Valid() {
		return fmt.Errorf("%w: selection rect has negative dimensions", ErrMalformedPayload)
	}
	return nil
}
