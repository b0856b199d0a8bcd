package node

// Wire tags of the binary node format. Values 3..235 index SingleByteTokens.
const (
	ListEmpty    = 0
	StreamEnd    = 2
	Dictionary0  = 236
	Dictionary1  = 237
	Dictionary2  = 238
	Dictionary3  = 239
	List8        = 248
	List16       = 249
	JIDPair      = 250
	Hex8         = 251
	Binary8      = 252
	Binary20     = 253
	Binary32     = 254
	Nibble8      = 255
	firstToken   = 3
	packedMaxLen = 127
)

// SingleByteTokens is the shared dictionary of common protocol keywords.
// The first three slots are reserved for the list and stream tags.
var SingleByteTokens = [...]string{
	"", "", "", "200", "400", "404", "500", "501", "502", "action", "add",
	"after", "archive", "author", "available", "battery", "before", "body",
	"broadcast", "chat", "clear", "code", "composing", "contacts", "count",
	"create", "debug", "delete", "demote", "duplicate", "encoding", "error",
	"false", "filehash", "from", "g.us", "group", "groups_v2", "height", "id",
	"image", "in", "index", "invis", "item", "jid", "kind", "last", "leave",
	"live", "log", "media", "message", "mimetype", "missing", "modify", "name",
	"notification", "notify", "out", "owner", "participant", "paused",
	"picture", "played", "presence", "preview", "promote", "query", "raw",
	"read", "receipt", "received", "recipient", "recording", "relay",
	"remove", "response", "resume", "retry", "s.whatsapp.net", "seconds",
	"set", "size", "status", "subject", "subscribe", "t", "text", "to", "true",
	"type", "unarchive", "unavailable", "url", "user", "value", "web", "width",
	"mute", "read_only", "admin", "creator", "short", "update", "powersave",
	"checksum", "epoch", "block", "previous", "409", "replaced", "reason",
	"spam", "modify_tag", "message_info", "delivery", "emoji", "title",
	"description", "canonical-url", "matched-text", "star", "unstar",
	"media_key", "filename", "identity", "unread", "page", "page_count",
	"search", "media_message", "security", "call_log", "profile", "ciphertext",
	"invite", "gif", "vcard", "frequent", "privacy", "blacklist", "whitelist",
	"verify", "location", "document", "elapsed", "revoke_invite", "expiration",
	"unsubscribe", "disable", "vname", "old_jid", "new_jid", "announcement",
	"locked", "prop", "label", "color", "call", "offer", "call-id",
	"quick_reply", "sticker", "pay_t", "accept", "reject", "sticker_pack",
	"invalid", "canceled", "missed", "connected", "result", "audio",
	"video", "recent",
}

// DoubleByteTokens is the secondary dictionary addressed by the DICTIONARY_n tags.
// The web client ships it empty, so every double-byte reference is out of range.
var DoubleByteTokens = []string{}

var tokenIndex = func() map[string]byte {
	m := make(map[string]byte, len(SingleByteTokens))
	for i := firstToken; i < len(SingleByteTokens); i++ {
		if _, dup := m[SingleByteTokens[i]]; !dup {
			m[SingleByteTokens[i]] = byte(i)
		}
	}
	return m
}()

// LookupToken returns the dictionary index of s.
func LookupToken(s string) (byte, bool) {
	i, ok := tokenIndex[s]
	return i, ok
}

// TokenAt returns the dictionary entry for a single-byte tag.
func TokenAt(index int) (string, bool) {
	if index < firstToken || index >= len(SingleByteTokens) || index >= Dictionary0 {
		return "", false
	}
	return SingleByteTokens[index], true
}
