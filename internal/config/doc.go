// Package config loads the HCL preferences file.
//
// Example:
//
//	dhcp_enabled   = true
//	natpmp_enabled = true
//	dns_servers    = ["1.1.1.1", "9.9.9.9"]
//	log_file       = "${env.HOME}/.config/tunshare/tunshare.log"
//
//	timeouts {
//	  start = "20s"
//	  stop  = "20s"
//	}
//
//	natpmp {
//	  sweep_interval   = "30s"
//	  refresh_interval = "60s"
//	  announce         = true
//	}
//
// Writing preferences back is handled elsewhere; this package only reads.
package config
