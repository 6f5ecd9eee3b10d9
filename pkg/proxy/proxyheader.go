package proxy

import (
	"fmt"
	"net"
)

// proxyHeader builds a PROXY protocol v1 textual header for the given
// source/destination pair. It uses TCP4 when both addresses are IPv4, and
// TCP6 otherwise, including the mixed-family case, where the addresses keep
// their textual forms.
func proxyHeader(srcIP net.IP, srcPort int, dstIP net.IP, dstPort int) []byte {
	proto := "TCP6"
	if src4, dst4 := srcIP.To4(), dstIP.To4(); src4 != nil && dst4 != nil {
		proto = "TCP4"
		srcIP, dstIP = src4, dst4
	}
	return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n", proto, srcIP.String(), dstIP.String(), srcPort, dstPort))
}
