package engine

import "github.com/jmsegret/vampire-chat/core"

// ChatPairs folds a history into [user, assistant] pairs for chat UIs.
// A user message without a reply gets "" as its assistant half, and an
// assistant message without a preceding user message gets "" as its user
// half. System messages are skipped.
func ChatPairs(messages []core.Message) [][2]string {
	var pairs [][2]string
	var pending *string

	for _, msg := range messages {
		switch msg.Role {
		case core.RoleUser:
			if pending != nil {
				pairs = append(pairs, [2]string{*pending, ""})
			}
			content := msg.Content
			pending = &content
		case core.RoleAssistant:
			if pending != nil {
				pairs = append(pairs, [2]string{*pending, msg.Content})
				pending = nil
			} else {
				pairs = append(pairs, [2]string{"", msg.Content})
			}
		}
	}
	if pending != nil {
		pairs = append(pairs, [2]string{*pending, ""})
	}
	return pairs
}
