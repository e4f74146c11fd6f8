package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEvent_Text(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"messageId":"m1","phone":"5511999999999","senderName":"Ana Lima","momment":1700000000000,"text":{"message":"oi"}}`))
	require.NoError(t, err)
	require.Equal(t, "m1", ev.ID)
	require.Equal(t, "5511999999999", ev.Phone)
	require.Equal(t, "Ana", ev.FirstName())
	require.Equal(t, int64(1700000000000), ev.Moment)
	require.Equal(t, KindText, ev.Kind())
	require.Equal(t, "oi", ev.Payload.(*TextPayload).Message)
	require.NotEmpty(t, ev.Raw)
}

func TestParseEvent_Precedence(t *testing.T) {
	// An empty text field does not shadow the media that follows it.
	ev, err := ParseEvent([]byte(`{"text":{"message":""},"image":{"imageUrl":"u"},"audio":{"audioUrl":"a"}}`))
	require.NoError(t, err)
	require.Equal(t, KindImage, ev.Kind())

	ev, err = ParseEvent([]byte(`{"text":{"message":"legenda"},"image":{"imageUrl":"u"}}`))
	require.NoError(t, err)
	require.Equal(t, KindText, ev.Kind())

	ev, err = ParseEvent([]byte(`{"location":{"latitude":1},"buttonsResponseMessage":{"buttonId":"1"}}`))
	require.NoError(t, err)
	require.Equal(t, KindLocation, ev.Kind())
}

func TestParseEvent_KindsAndFlags(t *testing.T) {
	cases := []struct {
		body string
		kind Kind
	}{
		{`{"audio":{"audioUrl":"a","mimeType":"audio/ogg"}}`, KindAudio},
		{`{"video":{"videoUrl":"v"}}`, KindVideo},
		{`{"document":{"documentUrl":"d","mimeType":"application/pdf","pageCount":3}}`, KindDocument},
		{`{"contact":{"name":"Ana"}}`, KindContact},
		{`{"payment":{"value":100}}`, KindPayment},
		{`{"buttonReply":{"buttonId":"b"}}`, KindButtonReply},
		{`{"interactive":{"type":"list_reply"}}`, KindInteractive},
		{`{"listMessage":{"description":"d"}}`, KindListMessage},
		{`{"phone":"1"}`, KindUnknown},
	}
	for _, tc := range cases {
		ev, err := ParseEvent([]byte(tc.body))
		require.NoError(t, err, tc.body)
		require.Equal(t, tc.kind, ev.Kind(), tc.body)
	}

	ev, err := ParseEvent([]byte(`{"messageId":"m1","notification":"REVOKE","isGroup":true,"fromMe":true}`))
	require.NoError(t, err)
	require.Equal(t, NotificationRevoke, ev.Notification)
	require.True(t, ev.IsGroup)
	require.True(t, ev.FromMe)
}

func TestParseEvent_Reaction(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"reaction":{"value":"👍","referencedMessage":{"messageId":"orig"}}}`))
	require.NoError(t, err)
	r := ev.Payload.(*ReactionPayload)
	require.Equal(t, "👍", r.Value)
	require.Equal(t, "orig", r.ReferenceMessageID)
}

func TestParseEvent_Invalid(t *testing.T) {
	_, err := ParseEvent(nil)
	require.Error(t, err)
	_, err = ParseEvent([]byte(`not-json`))
	require.ErrorContains(t, err, "decode webhook")
}

func TestWithText(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"messageId":"m1","phone":"1","image":{"imageUrl":"u"}}`))
	require.NoError(t, err)
	got := ev.WithText("combinado")
	require.Equal(t, KindText, got.Kind())
	require.Equal(t, "m1", got.ID)
	require.Nil(t, got.Raw)
	require.Equal(t, KindImage, ev.Kind())
}
