package securechannel

import "github.com/gosuda/opcua-secure-channel/securechannel/mux"

// Context is the shared state that survives a Channel across
// reconnects on the same logical secure channel: the pending-request
// table and its request-id counter. It replaces the source's
// attribute-keyed per-connection state with a single explicit value
// object a caller can hold onto independently of any one Channel
// instance.
type Context struct {
	Table *mux.Table
}

// NewContext returns a Context with a fresh, empty pending table.
func NewContext() *Context {
	return &Context{Table: mux.NewTable()}
}
