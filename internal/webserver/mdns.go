package webserver

import (
	"fmt"
	"strings"

	"github.com/hashicorp/mdns"
)

// MDNSServiceType is the DNS-SD service type of the progress stream.
const MDNSServiceType = "_gonogo._tcp"

// Advertise announces the stream on the local network. The caller must
// Shutdown the returned server.
func Advertise(instance string, port int, txt map[string]string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name := strings.TrimSpace(instance)
	if name == "" {
		name = "gonogo"
	}
	records := make([]string, 0, len(txt))
	for k, v := range txt {
		records = append(records, k+"="+v)
	}
	service, err := mdns.NewMDNSService(name, MDNSServiceType, "local", "", port, nil, records)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
