package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	frame := `{"id":"m1","senderId":"u1","conversationId":"c1","content":"hi",` +
		`"mediaFileId":"f1","mediaFileType":"image/png","replyTo":"m0",` +
		`"timestamp":"2024-05-01T10:00:00Z","reactions":{"+1":2},"unknownField":{"a":1}}`

	m, err := DecodeMessage([]byte(frame))
	require.NoError(t, err)

	expect := &Message{
		ID:             "m1",
		SenderID:       "u1",
		ConversationID: "c1",
		Content:        "hi",
		MediaFileID:    "f1",
		MediaFileType:  "image/png",
		ReplyTo:        "m0",
		Timestamp:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Reactions:      map[string]int{"+1": 2},
	}
	assert.Equal(t, expect, m)
}

func TestDecodeMessageNullFields(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"id":null,"content":"x","timestamp":null,"reactions":null}`))
	require.NoError(t, err)
	assert.True(t, m.Pending())
	assert.True(t, m.Timestamp.IsZero())
	assert.Equal(t, "x", m.Content)
}

func TestDecodeMessageMalformed(t *testing.T) {
	for _, frame := range []string{"", "  ", "null", "[1,2]", `"text"`, `{"id":`, `{"timestamp":"yesterday"}`} {
		_, err := DecodeMessage([]byte(frame))
		var de *DecodeError
		assert.True(t, errors.As(err, &de), "frame %q", frame)
	}
}

func TestDecodeErrorTruncatesFrame(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	_, err := DecodeMessage(long)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Len(t, de.Frame, decodeErrorFrameLimit+len(" ..."))
}

func TestEncodeMessageOmitsEmptyOptionals(t *testing.T) {
	m := &Message{
		ConversationID: "c1",
		Content:        "hello",
		CorrelationID:  "k1",
		Timestamp:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	out, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversationId":"c1","content":"hello","correlationId":"k1","timestamp":"2024-05-01T10:00:00Z"}`, string(out))

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
}
