package tools

import "regexp"

// Channel egress tools follow (user_|bot_)<channel>_(send_message|
// reply_to_message|reply_to_thread). The channel segment may itself contain
// underscores (e.g. google_chat).
var egressToolRe = regexp.MustCompile(
	`^(user|bot)_[a-z0-9_]+_(send_message|reply_to_message|reply_to_thread)$`)

// IsChannelEgressTool reports whether a tool name is a channel send/reply
// tool. Registries on non-messenger daemons suppress these at registration
// time so only the messenger can call out over chat/email channels.
func IsChannelEgressTool(name string) bool {
	return egressToolRe.MatchString(name)
}
