// Package discovery optionally announces a just-bound public listener
// over mDNS. An external user has no protocol-level way to learn which
// ephemeral port the Server bound for their forwarding, so this
// package gives the Server an out-of-band way to publish it: it never
// touches the wire protocol's INIT reply, it just advertises
// (instance, port, target-info) as a Bonjour/Avahi service once the
// listener is ready, so a LAN operator can discover it with any mDNS
// browser instead of grepping server logs.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the fixed Oblique service type advertised on the
// local mDNS domain.
const ServiceType = "_oblique-tunnel._tcp"

// Announcer wraps one zeroconf service registration and its shutdown.
type Announcer struct {
	svc *zeroconf.Server
}

// Announce registers instance as ServiceType on port, attaching meta
// as TXT records (e.g. "target=10.1.1.5:3389", "sid=0000a1b2"). If
// zeroconf.Register fails (for example, no usable network interface),
// nothing is registered and the error is returned; the caller can
// decide whether to log that as a warning.
func Announce(instance string, port int, meta []string) (*Announcer, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("oblique-%s", host)
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	return &Announcer{svc: svc}, nil
}

// Shutdown withdraws the mDNS announcement. Safe to call once.
func (a *Announcer) Shutdown() {
	if a == nil || a.svc == nil {
		return
	}
	a.svc.Shutdown()
}

// ShutdownOnDone withdraws the announcement when ctx is cancelled.
func (a *Announcer) ShutdownOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.Shutdown()
		// Give the withdrawal packet a moment to go out before the
		// process potentially exits.
		time.Sleep(50 * time.Millisecond)
	}()
}
