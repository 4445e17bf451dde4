// Package vless renders VLESS Reality connection links from fleet node
// parameters. Rendering is pure: same inputs, same link.
package vless

import (
	"fmt"
	"hash/fnv"
	"net/url"

	"polarvpn-bot/internal/fleet"
)

// Link builds the connection URI for a client provisioned on the given
// node. The SNI is picked deterministically from the node's candidate
// list so repeated renders of the same client are byte-identical.
func Link(node fleet.Node, clientID, tag string) string {
	query := url.Values{}
	query.Set("type", "tcp")
	query.Set("security", "reality")
	query.Set("pbk", node.PublicKey)
	query.Set("fp", node.Fingerprint)
	query.Set("sni", pickSNI(node.SNI, clientID))
	query.Set("sid", node.ShortID)
	query.Set("spx", "/")
	query.Set("flow", "xtls-rprx-vision")

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		clientID, node.Address, node.Port, query.Encode(), url.PathEscape(tag))
}

func pickSNI(candidates []string, clientID string) string {
	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return candidates[0]
	}
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return candidates[int(h.Sum32())%len(candidates)]
}
