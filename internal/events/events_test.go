package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/internal/conversation"
)

func TestEncodeDecodeKnownKinds(t *testing.T) {
	msg := &conversation.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderType:     conversation.SenderAI,
		Content:        "hello",
		Timestamp:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		DeliveryStatus: conversation.DeliverySent,
	}
	in := NewMessage{ConversationID: "c1", WorkspaceID: "w1", Message: NewMessagePayload(msg)}

	data, err := Encode(in)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "new_message", env.Type)

	out, err := Decode(data)
	require.NoError(t, err)
	got, ok := out.(NewMessage)
	require.True(t, ok, "expected NewMessage, got %T", out)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("decoded event mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "w1", got.Workspace())
}

func TestDecodeDegradesToRaw(t *testing.T) {
	cases := map[string]string{
		"no type":        `{"hello":"world"}`,
		"unknown type":   `{"type":"typing","payload":{"workspaceId":"w9"}}`,
		"non-string":     `{"type":5,"payload":{}}`,
		"missing body":   `{"type":"new_message"}`,
		"null payload":   `{"type":"new_message","payload":null}`,
		"array":          `[1,2,3]`,
		"payload shape":  `{"type":"new_message","payload":{"message":"not-an-object"}}`,
		"bare json text": `"just a string"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := Decode([]byte(body))
			require.NoError(t, err)
			raw, ok := ev.(RawEvent)
			require.True(t, ok, "expected RawEvent, got %T", ev)
			assert.JSONEq(t, body, string(raw.Data))
			assert.Equal(t, FrameUnknown, raw.FrameType())
		})
	}

	ev, err := Decode([]byte(`{"type":"typing","payload":{"workspaceId":"w9"}}`))
	require.NoError(t, err)
	assert.Equal(t, "w9", ev.Workspace())
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFrames(t *testing.T) {
	f, err := FrameFor(ConversationUpdated{ConversationID: "c1", Status: "ACTIVE", IsAIActive: true})
	require.NoError(t, err)
	assert.Equal(t,
		"event: conversation_updated\ndata: {\"conversationId\":\"c1\",\"status\":\"ACTIVE\",\"isAiActive\":true}\n\n",
		string(f.Bytes()))

	f, err = FrameFor(RawEvent{Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "event: unknown_event\ndata: {\"x\":1}\n\n", string(f.Bytes()))

	assert.Equal(t, "error", ErrorFrame("chat-updates:c1").Event)
	assert.Contains(t, string(ConnectedFrame("chat-updates:c1").Bytes()), "event: connected\n")
}

func TestFramesStayOnOneEvent(t *testing.T) {
	pretty := "{\n  \"hello\": \"world\",\n  \"n\": [1, 2]\n}"
	ev, err := Decode([]byte(pretty))
	require.NoError(t, err)
	f, err := FrameFor(ev)
	require.NoError(t, err)
	assert.Equal(t, "event: unknown_event\ndata: {\"hello\":\"world\",\"n\":[1,2]}\n\n", string(f.Bytes()))

	multi := Frame{Event: "note", Data: []byte("line one\r\nline two\nline three")}
	assert.Equal(t, "event: note\ndata: line one\ndata: line two\ndata: line three\n\n", string(multi.Bytes()))
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "chat-updates:abc", ConversationChannel("abc"))
	assert.Equal(t, "workspace-updates:w1", WorkspaceChannel("w1"))
}

func TestRedisPublisherFansOutToWorkspace(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, ConversationChannel("c1"), WorkspaceChannel("w1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(rdb, zerolog.Nop())
	require.NoError(t, pub.Publish(ctx, "c1", ConversationUpdated{ConversationID: "c1", WorkspaceID: "w1", Status: "ACTIVE"}))

	seen := map[string]string{}
	ch := sub.Channel()
	for len(seen) < 2 {
		select {
		case m := <-ch:
			seen[m.Channel] = m.Payload
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", seen)
		}
	}
	for _, payload := range seen {
		ev, err := Decode([]byte(payload))
		require.NoError(t, err)
		assert.IsType(t, ConversationUpdated{}, ev)
	}
}

func TestRedisPublisherSkipsWorkspaceWhenAbsent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, WorkspaceChannel(""))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(rdb, zerolog.Nop())
	require.NoError(t, pub.Publish(ctx, "c1", NewMessage{ConversationID: "c1"}))

	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected message on %s", m.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}
