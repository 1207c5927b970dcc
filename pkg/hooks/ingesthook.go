package hooks

import (
	"bytes"
	"regexp"
	"sort"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	meshauth "github.com/kabili207/meshmapper/pkg/auth"
)

const (
	meshDevicePattern = `^(?:Meshtastic(Android|Apple)MqttProxy-)?(![0-9a-f]{8})$`

	defaultTopicFilter auth.RString = `msh/#`
)

var meshDeviceRegex = regexp.MustCompile(meshDevicePattern)

// IngestHookOptions contains configuration settings for the hook.
type IngestHookOptions struct {
	Users meshauth.Ledger
	// AllowAnonymous admits any client when no users are configured.
	AllowAnonymous bool
	TopicFilter    string
	// Deliver receives every accepted publish. It must not block.
	Deliver func(topic string, payload []byte)
}

// Gateway is a connected client as seen by the broker.
type Gateway struct {
	ClientID    string    `json:"client_id"`
	Username    string    `json:"username,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	ProxyType   string    `json:"proxy_type,omitempty"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPublish time.Time `json:"last_publish,omitempty"`
	Published   int64     `json:"published"`
}

// IngestHook lets Meshtastic gateways publish straight into the ingester.
type IngestHook struct {
	mqtt.HookBase
	config     *IngestHookOptions
	filter     auth.RString
	gateways   map[string]*Gateway
	clientLock sync.RWMutex
}

func (h *IngestHook) ID() string {
	return "ingest-hook"
}

func (h *IngestHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnPublished,
	}, []byte{b})
}

func (h *IngestHook) Init(config any) error {
	opts, ok := config.(*IngestHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}
	if opts.Deliver == nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts
	h.filter = defaultTopicFilter
	if opts.TopicFilter != "" {
		h.filter = auth.RString(opts.TopicFilter)
	}
	h.gateways = make(map[string]*Gateway)
	h.Log.Info("initialised", "filter", string(h.filter), "users", len(opts.Users))
	return nil
}

// OnConnectAuthenticate checks the login against the ledger and records
// the client.
func (h *IngestHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	if !h.authenticate(user, string(pk.Connect.Password)) {
		h.Log.Info("client failed authentication check", "username", user, "client", cl.ID, "remote", cl.Net.Remote)
		return false
	}

	nodeID, proxyType := "", ""
	if m := meshDeviceRegex.FindStringSubmatch(cl.ID); m != nil {
		proxyType = m[1]
		nodeID = m[2]
	}

	h.clientLock.Lock()
	h.gateways[cl.ID] = &Gateway{
		ClientID:    cl.ID,
		Username:    user,
		NodeID:      nodeID,
		ProxyType:   proxyType,
		Address:     cl.Net.Remote,
		ConnectedAt: time.Now().UTC(),
	}
	h.clientLock.Unlock()
	h.Log.Info("client authenticated", "username", user, "client", cl.ID, "node", nodeID, "proxy", proxyType)
	return true
}

// authenticate checks the ledger. Anonymous logins are only accepted when
// no users are configured.
func (h *IngestHook) authenticate(user, pass string) bool {
	if len(h.config.Users) == 0 {
		return h.config.AllowAnonymous
	}
	return h.config.Users.Validate(user, pass)
}

// OnACLCheck limits clients to the mesh topic tree.
func (h *IngestHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if h.filter.FilterMatches(topic) {
		return true
	}
	h.Log.Debug("client failed ACL check", "client", cl.ID, "topic", topic, "write", write)
	return false
}

func (h *IngestHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	delete(h.gateways, cl.ID)
	h.clientLock.Unlock()
	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

// OnPublished hands the accepted message to the ingester.
func (h *IngestHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	if !h.filter.FilterMatches(pk.TopicName) {
		return
	}
	h.config.Deliver(pk.TopicName, pk.Payload)

	h.clientLock.Lock()
	if g, ok := h.gateways[cl.ID]; ok {
		g.Published++
		g.LastPublish = time.Now().UTC()
	}
	h.clientLock.Unlock()
}

// Gateways returns a snapshot of connected clients ordered by client id.
func (h *IngestHook) Gateways() []Gateway {
	h.clientLock.RLock()
	defer h.clientLock.RUnlock()
	out := make([]Gateway, 0, len(h.gateways))
	for _, g := range h.gateways {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
