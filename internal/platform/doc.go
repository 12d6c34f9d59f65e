// Package platform holds the error taxonomy shared by the resource managers
// and the deadline-bounded command runner they use to drive pfctl, sysctl
// and dnsmasq.
package platform
