package wire

// ControlTopic carries network-wide control commands (nickname
// announcements and channel metadata).
const ControlTopic = "peerchat"

const channelTopicPrefix = "peerchat/channel/"

// TopicForChannel derives the gossip topic for a channel. Pure string
// concatenation: any two nodes agree byte-for-byte on the result.
func TopicForChannel(ident string) string {
	return channelTopicPrefix + ident
}
