// Package network wraps the host's IP-forwarding switch and discovers the
// interfaces and resolvers a sharing session can be built from.
package network
