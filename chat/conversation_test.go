package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationValidate(t *testing.T) {
	cases := []struct {
		name string
		conv Conversation
		ok   bool
	}{
		{"dm with two members", Conversation{ID: "c1", DirectMessage: true, MemberIDs: []string{"a", "b"}}, true},
		{"dm with one member", Conversation{ID: "c1", DirectMessage: true, MemberIDs: []string{"a"}}, false},
		{"dm with three members", Conversation{ID: "c1", DirectMessage: true, MemberIDs: []string{"a", "b", "c"}}, false},
		{"group", Conversation{ID: "g1", AdminIDs: []string{"a"}, MemberIDs: []string{"a", "b", "c"}}, true},
		{"group without admin", Conversation{ID: "g1", MemberIDs: []string{"a", "b"}}, false},
		{"group admin not member", Conversation{ID: "g1", AdminIDs: []string{"z"}, MemberIDs: []string{"a"}}, false},
	}

	for _, c := range cases {
		err := c.conv.Validate()
		if c.ok {
			assert.NoError(t, err, c.name)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}

func TestConversationMembership(t *testing.T) {
	c := &Conversation{AdminIDs: []string{"a"}, MemberIDs: []string{"a", "b"}}
	assert.True(t, c.IsMember("b"))
	assert.False(t, c.IsMember("z"))
	assert.True(t, c.IsAdmin("a"))
	assert.False(t, c.IsAdmin("b"))
}
