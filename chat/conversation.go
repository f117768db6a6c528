package chat

import (
	"fmt"
	"time"
)

// Conversation is either a direct message between two users or a group chat.
type Conversation struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	ImageFileID   string    `json:"imageFileId,omitempty"`
	DirectMessage bool      `json:"directMessage"`
	InviteLink    string    `json:"inviteLink,omitempty"`
	AdminIDs      []string  `json:"adminIds,omitempty"`
	MemberIDs     []string  `json:"memberIds,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Validate checks membership invariants: a direct message has exactly two members,
// a group has at least one admin and every admin is a member.
func (c *Conversation) Validate() error {
	if c.DirectMessage {
		if n := len(c.MemberIDs); n != 2 {
			return fmt.Errorf("chat: direct message %q has %d members, want 2", c.ID, n)
		}
		return nil
	}

	if len(c.AdminIDs) == 0 {
		return fmt.Errorf("chat: group %q has no admin", c.ID)
	}
	for _, admin := range c.AdminIDs {
		if !c.IsMember(admin) {
			return fmt.Errorf("chat: group %q admin %q is not a member", c.ID, admin)
		}
	}
	return nil
}

func (c *Conversation) IsMember(uid string) bool {
	for _, m := range c.MemberIDs {
		if m == uid {
			return true
		}
	}
	return false
}

func (c *Conversation) IsAdmin(uid string) bool {
	for _, m := range c.AdminIDs {
		if m == uid {
			return true
		}
	}
	return false
}
