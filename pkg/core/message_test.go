package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Payload(t *testing.T) {
	empty := Message{Event: "ping"}
	assert.Nil(t, empty.Payload())

	msg := Message{
		Event:     "notification_received",
		Arguments: []json.RawMessage{json.RawMessage(`{"id":"n1"}`), json.RawMessage(`2`)},
	}
	assert.JSONEq(t, `{"id":"n1"}`, string(msg.Payload()))
}

func TestMessage_Decode(t *testing.T) {
	msg := Message{
		Event:     "notification_received",
		Arguments: []json.RawMessage{json.RawMessage(`{"id":"n1","title":"Churn risk"}`)},
	}

	var payload struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "n1", payload.ID)
	assert.Equal(t, "Churn risk", payload.Title)

	err := Message{Event: "analysis_completed"}.Decode(&payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis_completed")

	bad := Message{Event: "x", Arguments: []json.RawMessage{json.RawMessage(`{`)}}
	assert.Error(t, bad.Decode(&payload))
}

func TestHandler_Handle(t *testing.T) {
	var got []string
	h := NewHandler(func(m Message) { got = append(got, m.Event) })

	h.Handle(Message{Event: "a"})
	h.Handle(Message{Event: "b"})
	assert.Equal(t, []string{"a", "b"}, got)

	var nilHandler *Handler
	assert.NotPanics(t, func() { nilHandler.Handle(Message{Event: "c"}) })
	assert.NotPanics(t, func() { NewHandler(nil).Handle(Message{Event: "d"}) })

	// identity is the pointer, not the function
	fn := func(Message) {}
	assert.NotSame(t, NewHandler(fn), NewHandler(fn))
}
