package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		check   func(t *testing.T, m *schemas.Message)
	}{
		{
			name: "ready message",
			raw:  `{"type":"tempo_selector_ready"}`,
			check: func(t *testing.T, m *schemas.Message) {
				assert.Equal(t, schemas.MessageSelectorReady, m.Type)
			},
		},
		{
			name: "mutation message",
			raw:  `{"type":"tempo_dom_mutation"}`,
			check: func(t *testing.T, m *schemas.Message) {
				assert.Equal(t, schemas.MessageDOMMutation, m.Type)
			},
		},
		{
			name: "activate true",
			raw:  `{"type":"tempo_activate_selection","data":{"active":true}}`,
			check: func(t *testing.T, m *schemas.Message) {
				require.NotNil(t, m.Activate)
				assert.True(t, m.Activate.Active)
			},
		},
		{
			name:    "activate without data",
			raw:     `{"type":"tempo_activate_selection"}`,
			wantErr: schemas.ErrMalformedPayload,
		},
		{
			name: "element selected",
			raw: `{"type":"tempo_element_selected","data":{
				"selector":"#cta","xpath":"/html[1]/body[1]/button[1]","tagName":"button",
				"rect":{"width":120,"height":40,"top":300,"left":24},
				"text":"Sign up","attributes":{"id":"cta"}}}`,
			check: func(t *testing.T, m *schemas.Message) {
				require.NotNil(t, m.Element)
				assert.Equal(t, "#cta", m.Element.Selector)
				assert.Equal(t, "button", m.Element.TagName)
				assert.Equal(t, 120.0, m.Element.Rect.Width)
			},
		},
		{
			name:    "element selected without rect is still valid",
			raw:     `{"type":"tempo_element_selected","data":{"selector":"#a","tagName":"a"}}`,
			wantErr: nil,
		},
		{
			name:    "element selected with negative rect",
			raw:     `{"type":"tempo_element_selected","data":{"selector":"#a","tagName":"a","rect":{"width":-1,"height":10}}}`,
			wantErr: schemas.ErrMalformedPayload,
		},
		{
			name:    "element selected missing selector and xpath",
			raw:     `{"type":"tempo_element_selected","data":{"tagName":"div","rect":{"width":1,"height":1}}}`,
			wantErr: schemas.ErrMalformedPayload,
		},
		{
			name:    "element selected missing tag",
			raw:     `{"type":"tempo_element_selected","data":{"selector":"#x","rect":{"width":1,"height":1}}}`,
			wantErr: schemas.ErrMalformedPayload,
		},
		{
			name:    "unknown type",
			raw:     `{"type":"tempo_jazz_hands","data":{}}`,
			wantErr: schemas.ErrUnknownMessageType,
		},
		{
			name:    "missing type",
			raw:     `{"data":{}}`,
			wantErr: schemas.ErrMalformedPayload,
		},
		{
			name:    "not json",
			raw:     `<html>`,
			wantErr: schemas.ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := schemas.DecodeMessage([]byte(tt.raw))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := &schemas.Message{
		Type: schemas.MessageElementSelected,
		Element: &schemas.ElementSelectedPayload{
			Selector: "div.card > h1:nth-of-type(2)",
			XPath:    "/html[1]/body[1]/div[1]/h1[2]",
			TagName:  "h1",
			Rect:     schemas.Rect{Width: 640, Height: 32, Top: 120, Left: 16},
			Text:     "Pricing",
		},
	}

	raw, err := schemas.EncodeMessage(orig)
	require.NoError(t, err)

	decoded, err := schemas.DecodeMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, decoded.Element)
	assert.Equal(t, orig.Element.Selector, decoded.Element.Selector)
	assert.Equal(t, orig.Element.Rect, decoded.Element.Rect)

	// Payload-less types round-trip without a data field.
	raw, err = schemas.EncodeMessage(&schemas.Message{Type: schemas.MessageDOMMutation})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "data")
	decoded, err = schemas.DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, schemas.MessageDOMMutation, decoded.Type)
}

func TestLocatorValidate(t *testing.T) {
	l := &schemas.Locator{
		Selector:   "#hero",
		XPath:      "/html[1]/body[1]/div[1]",
		Dimensions: schemas.Rect{Width: 100, Height: 50},
	}
	require.NoError(t, l.Validate())

	assert.ErrorIs(t, (&schemas.Locator{}).Validate(), schemas.ErrInvalidLocator)

	bad := &schemas.Locator{Selector: "#x", Dimensions: schemas.Rect{Width: -4}}
	assert.ErrorIs(t, bad.Validate(), schemas.ErrInvalidLocator)
}

func TestRectOffset(t *testing.T) {
	r := schemas.Rect{Width: 10, Height: 10, Top: 5, Left: 5}
	moved := r.Offset(100, 200)
	assert.Equal(t, schemas.Rect{Width: 10, Height: 10, Top: 205, Left: 105}, moved)
	// Original untouched.
	assert.Equal(t, 5.0, r.Top)
}
