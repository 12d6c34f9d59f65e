package natpmp

import (
	"fmt"
	"strings"
)

// Rules derives the complete anchor ruleset from a table snapshot: one
// redirect and one pass rule per mapping, both on the external interface.
// pf requires translation rules ahead of filter rules, so all redirects
// come first.
func Rules(extIf string, entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var rdr, pass strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&rdr, "rdr on %s inet proto %s from any to any port %d -> %s port %d\n",
			extIf, e.Protocol, e.ExternalPort, e.InternalIP, e.InternalPort)
		fmt.Fprintf(&pass, "pass in quick on %s inet proto %s from any to %s port %d keep state\n",
			extIf, e.Protocol, e.InternalIP, e.InternalPort)
	}
	return rdr.String() + pass.String()
}
