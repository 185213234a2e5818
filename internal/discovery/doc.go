// Package discovery advertises the HWM Core API on the local network over
// mDNS (DNS-SD), so consoles on the station LAN can find it without
// configuration.
//
// The service record carries the station ID and API base path in TXT
// records:
//
//	hwm-gs-1._hwm._tcp.local.  port 8080
//	  station=gs-1 version=1.2.0 path=/api/v1 tls=false
package discovery
