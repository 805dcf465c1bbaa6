package vchat

// CanDelete reports whether actorID may delete messages in room.
// Group admins may delete anything; everyone else only their own messages.
func CanDelete(actorID string, messages []Message, room Conversation) bool {
	if room.IsAdmin(actorID) {
		return true
	}
	for _, m := range messages {
		if m.SenderID != actorID {
			return false
		}
	}
	return true
}

// CanDeleteConversation reports whether actorID may delete room for everyone.
// Direct chats can be removed by either participant, groups only by admins.
func CanDeleteConversation(actorID string, room Conversation) bool {
	if room.IsGroup() {
		return room.IsAdmin(actorID)
	}
	return true
}
