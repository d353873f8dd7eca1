package agent

import "net"

// localIP returns the outbound-facing local address by opening a UDP
// "connection" to a well-known host — no packet is actually sent, the
// kernel just picks the route and we read back the source address.
// Ported from original_source/agent/agent.py's _get_local_ip.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
