package mqttbridge

import (
	"strings"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Topics builds the bridge's topic names under a prefix.
type Topics struct {
	Prefix string
}

// Registration returns the topic for registration lifecycle events.
func (t Topics) Registration(endpoint string) string {
	return t.Prefix + "/" + topicLevel(endpoint) + "/registration"
}

// Presence returns the topic for presence transitions.
func (t Topics) Presence(endpoint string) string {
	return t.Prefix + "/" + topicLevel(endpoint) + "/presence"
}

// Notify returns the topic for notifications of path.
func (t Topics) Notify(endpoint string, path lwm2m.Path) string {
	return t.Prefix + "/" + topicLevel(endpoint) + "/notify" + path.String()
}

// Status returns the server status topic used for the last will.
func (t Topics) Status() string {
	return t.Prefix + "/server/status"
}

// topicLevel makes an endpoint name safe for use as a single topic level.
var topicLevelReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicLevel(s string) string {
	return topicLevelReplacer.Replace(s)
}
