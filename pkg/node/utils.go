package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// OwnersForKey looks up the rf members responsible for key, owner first, as
// normalized host:port addresses. ok is false while the ring is empty.
func (n *Node) OwnersForKey(key string) (owners []string, self string, ok bool) {
	for _, name := range n.ring.LookupN([]byte(key), n.rf) {
		if addr, found := n.ring.Addr(name); found && addr != "" {
			owners = append(owners, addr)
		}
	}
	if len(owners) == 0 {
		return nil, "", false
	}
	return owners, NormalizeHostPort(n.addr, defaultPort), true
}
