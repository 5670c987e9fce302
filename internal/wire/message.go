package wire

// Message type discriminators.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgUpdated   = "updated"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgReady     = "ready"
	MsgNoSub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
	MsgServerID  = "server_id"
	MsgBeep      = "beep"
)

// SupportedVersions lists the protocol versions this client speaks,
// in descending order of preference.
var SupportedVersions = []string{"1", "pre2", "pre1"}

// IsSupportedVersion reports whether v is one of SupportedVersions.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Message is a single DDP frame in either direction.
//
// Params, Result, RandomSeed and Fields hold decoded EJSON values:
// time.Time, []byte, float64, string, bool, nil, []any and map[string]any.
type Message struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`

	// connect / connected / failed
	Session string   `json:"session,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`

	// method / result / updated
	Method     string   `json:"method,omitempty"`
	Params     []any    `json:"params,omitempty"`
	RandomSeed any      `json:"randomSeed,omitempty"`
	Result     any      `json:"result,omitempty"`
	Methods    []string `json:"methods,omitempty"`

	// sub / ready / nosub
	Name string   `json:"name,omitempty"`
	Subs []string `json:"subs,omitempty"`

	// added / changed / removed
	Collection string         `json:"collection,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`

	// result / nosub / error
	Error            *Error `json:"error,omitempty"`
	Reason           string `json:"reason,omitempty"`
	OffendingMessage any    `json:"offendingMessage,omitempty"`
}

// NewConnect builds the handshake message.
func NewConnect(version string, support []string) Message {
	return Message{Msg: MsgConnect, Version: version, Support: support}
}

// NewMethod builds a method call. A nil seed omits randomSeed.
func NewMethod(id, method string, params []any, seed any) Message {
	return Message{Msg: MsgMethod, ID: id, Method: method, Params: params, RandomSeed: seed}
}

// NewSub builds a subscription request.
func NewSub(id, name string, params []any) Message {
	return Message{Msg: MsgSub, ID: id, Name: name, Params: params}
}

// NewUnsub builds an unsubscribe request.
func NewUnsub(id string) Message {
	return Message{Msg: MsgUnsub, ID: id}
}

// NewPing builds a heartbeat. An empty id is omitted.
func NewPing(id string) Message {
	return Message{Msg: MsgPing, ID: id}
}

// NewPong answers a ping, echoing its id when present.
func NewPong(id string) Message {
	return Message{Msg: MsgPong, ID: id}
}
