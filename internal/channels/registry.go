package channels

import "strings"

// Descriptor captures the routing capabilities of a chat channel.
type Descriptor struct {
	Name           string
	SupportsThread bool
	// DefaultAccountID is used when an inbound message carries no account.
	DefaultAccountID string
}

var builtins = map[string]Descriptor{
	"telegram": {Name: "telegram", SupportsThread: true, DefaultAccountID: "default"},
	"whatsapp": {Name: "whatsapp", SupportsThread: false, DefaultAccountID: "default"},
	"discord":  {Name: "discord", SupportsThread: true, DefaultAccountID: "default"},
	"slack":    {Name: "slack", SupportsThread: true, DefaultAccountID: "default"},
	"webchat":  {Name: "webchat", SupportsThread: false, DefaultAccountID: "default"},
}

// Normalize lowercases and trims a channel name. Unknown channels pass
// through so plugin channels keep working.
func Normalize(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// Lookup returns the descriptor for a channel name, normalizing first.
func Lookup(channel string) (Descriptor, bool) {
	d, ok := builtins[Normalize(channel)]
	return d, ok
}

// SupportsThread reports whether a channel can address a thread within
// a conversation. Unknown channels are assumed threadless.
func SupportsThread(channel string) bool {
	d, ok := Lookup(channel)
	return ok && d.SupportsThread
}

// NormalizeAccountID trims account ids and substitutes the channel
// default when empty.
func NormalizeAccountID(channel, accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if accountID != "" {
		return accountID
	}
	if d, ok := Lookup(channel); ok {
		return d.DefaultAccountID
	}
	return ""
}
