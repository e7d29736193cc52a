package tunnel

import (
	"fmt"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/jackpal/gateway"
	upnp "github.com/NebulousLabs/go-upnp"
)

// natMappingLifetime is how long a NAT-PMP mapping is leased. The
// mapping is requested once at install and is not renewed; a tunnel
// that outlives the lease loses its mapping.
const natMappingLifetime = 1 * time.Hour

// NATMapper attempts to open an external port mapping for a freshly
// allocated tunnel's local UDP port, exactly mirroring the teacher's own
// listener bring-up concern ("open a listening port across a NAT
// gateway") but for a wireguard port instead of a Lightning p2p port.
// Mapping is strictly best-effort: a failure here never blocks tunnel
// install (spec.md has no external-reachability requirement; unreachable
// peers simply fail their own handshake attempt toward us).
type NATMapper interface {
	// Map requests an external mapping for internalPort. teardown
	// releases the mapping when the tunnel is closed; when err is
	// non-nil no mapping was made and teardown is a no-op.
	Map(internalPort uint16) (externalPort uint16, teardown func(), err error)
}

// bestEffortMapper tries NAT-PMP first (routers that support it, via
// jackpal/go-nat-pmp against the default gateway discovered with
// jackpal/gateway), then falls back to UPnP IGD (NebulousLabs/go-upnp).
type bestEffortMapper struct{}

// NewBestEffortMapper returns the production NATMapper.
func NewBestEffortMapper() NATMapper {
	return bestEffortMapper{}
}

func (bestEffortMapper) Map(internalPort uint16) (uint16, func(), error) {
	if ext, teardown, err := mapViaNATPMP(internalPort); err == nil {
		return ext, teardown, nil
	}
	if ext, teardown, err := mapViaUPnP(internalPort); err == nil {
		return ext, teardown, nil
	}
	return internalPort, func() {}, fmt.Errorf("tunnel: no NAT mapping available, using internal port directly")
}

func mapViaNATPMP(internalPort uint16) (uint16, func(), error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return 0, nil, fmt.Errorf("nat-pmp: discover gateway: %w", err)
	}
	client := natpmp.NewClient(gw)
	resp, err := client.AddPortMapping("udp", int(internalPort), int(internalPort), int(natMappingLifetime.Seconds()))
	if err != nil {
		return 0, nil, fmt.Errorf("nat-pmp: add mapping: %w", err)
	}
	teardown := func() {
		_, _ = client.AddPortMapping("udp", int(internalPort), 0, 0)
	}
	return resp.MappedExternalPort, teardown, nil
}

func mapViaUPnP(internalPort uint16) (uint16, func(), error) {
	d, err := upnp.Discover()
	if err != nil {
		return 0, nil, fmt.Errorf("upnp: discover: %w", err)
	}
	if err := d.Forward(internalPort, "mesh-agent tunnel"); err != nil {
		return 0, nil, fmt.Errorf("upnp: forward: %w", err)
	}
	teardown := func() {
		_ = d.Clear(internalPort)
	}
	return internalPort, teardown, nil
}

// NoopMapper never attempts any mapping; used in tests and in
// configurations where NAT traversal is disabled.
type NoopMapper struct{}

func (NoopMapper) Map(internalPort uint16) (uint16, func(), error) {
	return internalPort, func() {}, nil
}
