// Package firewall drives the pf packet filter through pfctl.
//
// All rules live in named anchors beneath com.apple/, which the stock
// /etc/pf.conf already evaluates for nat, rdr and filter rules. Nothing
// outside those anchors is ever modified; pf itself is enabled with a
// reference token so releasing the token restores the previous state.
package firewall
