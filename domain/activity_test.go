package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivityRequiresTypeAndActor(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"actor":"https://remote.example/users/bob"}`},
		{"missing actor", `{"type":"Follow","object":"https://courier.example/users/alice"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseActivity([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedActivity))
		})
	}
}

func TestParseFollow(t *testing.T) {
	act, err := ParseActivity([]byte(`{
		"id": "https://remote.example/follows/1",
		"type": "Follow",
		"actor": "https://remote.example/users/bob",
		"object": "https://courier.example/users/alice"
	}`))
	require.NoError(t, err)

	follow, ok := act.(*Follow)
	require.True(t, ok)
	assert.Equal(t, KindFollow, follow.Kind())
	assert.Equal(t, "https://courier.example/users/alice", follow.TargetURL)
	assert.Equal(t, "https://remote.example/follows/1", follow.Base().ID)
	assert.NotEmpty(t, follow.Raw)
}

func TestParseFollowWithoutObject(t *testing.T) {
	_, err := ParseActivity([]byte(`{"type":"Follow","actor":"https://remote.example/users/bob"}`))
	assert.ErrorIs(t, err, ErrMalformedActivity)
}

func TestParseUndoWithEmbeddedFollow(t *testing.T) {
	act, err := ParseActivity([]byte(`{
		"id": "https://remote.example/undo/1",
		"type": "Undo",
		"actor": "https://remote.example/users/bob",
		"object": {
			"id": "https://remote.example/follows/1",
			"type": "Follow",
			"actor": "https://remote.example/users/bob",
			"object": "https://courier.example/users/alice"
		}
	}`))
	require.NoError(t, err)

	undo, ok := act.(*Undo)
	require.True(t, ok)
	assert.Equal(t, "https://remote.example/follows/1", undo.InnerRef)
	inner, ok := undo.Inner.(*Follow)
	require.True(t, ok)
	assert.Equal(t, "https://courier.example/users/alice", inner.TargetURL)
}

func TestParseUndoWithReference(t *testing.T) {
	act, err := ParseActivity([]byte(`{"type":"Undo","actor":"https://remote.example/users/bob","object":"https://remote.example/follows/1"}`))
	require.NoError(t, err)

	undo := act.(*Undo)
	assert.Nil(t, undo.Inner)
	assert.Equal(t, "https://remote.example/follows/1", undo.InnerRef)
}

func TestParseCreate(t *testing.T) {
	act, err := ParseActivity([]byte(`{
		"id": "https://remote.example/activities/9",
		"type": "Create",
		"actor": "https://remote.example/users/bob",
		"to": "https://www.w3.org/ns/activitystreams#Public",
		"object": {"id": "https://remote.example/notes/9", "type": "Note", "content": "hi"}
	}`))
	require.NoError(t, err)

	create := act.(*Create)
	require.NotNil(t, create.Object)
	assert.Equal(t, "Note", create.Object.Type)
	assert.Equal(t, "https://remote.example/notes/9", create.ObjectRef)
	assert.True(t, create.Public())
}

func TestParseUnknownKeepsRaw(t *testing.T) {
	body := `{"type":"EmojiReact","actor":"https://remote.example/users/bob","object":"https://courier.example/notes/1"}`
	act, err := ParseActivity([]byte(body))
	require.NoError(t, err)

	unknown, ok := act.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, KindUnknown, unknown.Kind())
	assert.Equal(t, "EmojiReact", unknown.Type)
	assert.JSONEq(t, body, string(unknown.Raw))
}

func TestAudienceAcceptsStringOrArray(t *testing.T) {
	var single struct {
		To Audience `json:"to"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"to":"https://remote.example/users/bob"}`), &single))
	assert.Equal(t, Audience{"https://remote.example/users/bob"}, single.To)

	var list struct {
		To Audience `json:"to"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"to":["a","b"]}`), &list))
	assert.Equal(t, Audience{"a", "b"}, list.To)
	assert.True(t, list.To.Contains("b"))
}

func TestAudienceAcceptsObjects(t *testing.T) {
	var doc struct {
		AttributedTo Audience `json:"attributedTo"`
	}
	body := `{"attributedTo":[{"type":"Person","id":"https://tube.example/accounts/bob"},{"type":"Group","id":"https://tube.example/video-channels/c"},{"type":"Note"}]}`
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, Audience{"https://tube.example/accounts/bob", "https://tube.example/video-channels/c"}, doc.AttributedTo)

	require.Error(t, json.Unmarshal([]byte(`{"attributedTo":42}`), &doc))
}

func TestParseUnknownWithObjectTarget(t *testing.T) {
	body := `{"type":"Add","actor":"https://remote.example/users/bob","object":"https://remote.example/notes/1",` +
		`"target":{"type":"OrderedCollection","id":"https://remote.example/users/bob/featured"}}`
	act, err := ParseActivity([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, act.Kind())
	assert.JSONEq(t, body, string(act.Base().Raw))
}

func TestParseCreateWithArrayAttribution(t *testing.T) {
	body := `{"type":"Create","actor":"https://tube.example/accounts/bob","object":{"id":"https://tube.example/videos/1","type":"Video",` +
		`"attributedTo":[{"type":"Person","id":"https://tube.example/accounts/bob"}]}}`
	act, err := ParseActivity([]byte(body))
	require.NoError(t, err)

	create, ok := act.(*Create)
	require.True(t, ok)
	require.NotNil(t, create.Object)
	assert.Equal(t, Audience{"https://tube.example/accounts/bob"}, create.Object.AttributedTo)
}

func TestParseCreateKeepsUndecodableObject(t *testing.T) {
	body := `{"type":"Create","actor":"https://remote.example/users/bob","object":{"id":"https://remote.example/notes/1","type":"Note","content":{"en":"hi"}}}`
	act, err := ParseActivity([]byte(body))
	require.NoError(t, err)

	create, ok := act.(*Create)
	require.True(t, ok)
	assert.Nil(t, create.Object)
	assert.Equal(t, "https://remote.example/notes/1", create.ObjectRef)
}

func TestEnvelopePublic(t *testing.T) {
	env := Envelope{Cc: Audience{"as:Public"}}
	assert.True(t, env.Public())

	env = Envelope{To: Audience{"https://remote.example/users/bob"}}
	assert.False(t, env.Public())
	assert.Equal(t, []string{"https://remote.example/users/bob"}, env.Recipients())
}

func TestObjectRefAndType(t *testing.T) {
	ref, isObject := ObjectRef(json.RawMessage(`"https://remote.example/notes/1"`))
	assert.Equal(t, "https://remote.example/notes/1", ref)
	assert.False(t, isObject)

	raw := json.RawMessage(`{"id":"https://remote.example/notes/2","type":"Note"}`)
	ref, isObject = ObjectRef(raw)
	assert.Equal(t, "https://remote.example/notes/2", ref)
	assert.True(t, isObject)
	assert.Equal(t, "Note", ObjectType(raw))

	ref, isObject = ObjectRef(nil)
	assert.Empty(t, ref)
	assert.False(t, isObject)
}
