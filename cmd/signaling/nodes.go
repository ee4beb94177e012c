package main

// mediaNodeTable is a static, config-driven implementation of both
// sip/handler.MediaNodes and httpapi/signaling.MediaNodes. Production
// deployments with dynamic node registration would replace this with a
// live pool; spec.md doesn't specify a discovery protocol for M nodes, so
// -media-node flags are the whole of it here.
type mediaNodeTable struct {
	byName map[string]mediaNode
	order  []string
}

func newMediaNodeTable(nodes []mediaNode) *mediaNodeTable {
	t := &mediaNodeTable{byName: make(map[string]mediaNode, len(nodes))}
	for _, n := range nodes {
		t.byName[n.name] = n
		t.order = append(t.order, n.name)
	}
	return t
}

func (t *mediaNodeTable) Candidates() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Address satisfies sip/handler.MediaNodes: the RTP media address a
// device's SDP answer should be built around.
func (t *mediaNodeTable) Address(nodeName string) (string, bool) {
	n, ok := t.byName[nodeName]
	return n.rtpAddr, ok
}

// MediaAddress satisfies httpapi/signaling.MediaNodes: same address, used
// by the REST-triggered playback path's own outbound INVITE.
func (t *mediaNodeTable) MediaAddress(nodeName string) (string, bool) {
	return t.Address(nodeName)
}

func (t *mediaNodeTable) HTTPBaseURL(nodeName string) (string, bool) {
	n, ok := t.byName[nodeName]
	return n.httpBaseURL, ok
}
