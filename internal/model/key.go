package model

import "fmt"

// Resource kinds used for mutual exclusion between jobs.
const (
	KindSerial = "serial"
	KindTCP    = "tcp"
	KindPower  = "power"
)

// ResourceKey identifies one physical resource a job needs exclusively.
// Equality is structural, two jobs conflict iff their key sets intersect.
//
// Canonical identifiers:
//   - serial: device path, e.g. /dev/ttyUSB0
//   - tcp:    bridge listen address, e.g. 127.0.0.1:1238
//   - power:  host:port:unit of the Modbus slave; coil addresses are not
//     part of the identifier, the whole unit is the exclusive resource
type ResourceKey struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (k ResourceKey) String() string {
	return k.Kind + ":" + k.ID
}

// SerialKey returns the key for a serial device path.
func SerialKey(device string) ResourceKey {
	return ResourceKey{Kind: KindSerial, ID: device}
}

// TCPKey returns the key for a bridge listen endpoint.
func TCPKey(host string, port int) ResourceKey {
	return ResourceKey{Kind: KindTCP, ID: fmt.Sprintf("%s:%d", host, port)}
}

// PowerKey returns the key for a Modbus power unit.
func PowerKey(host string, port int, unit byte) ResourceKey {
	return ResourceKey{Kind: KindPower, ID: fmt.Sprintf("%s:%d:%d", host, port, unit)}
}

// Intersects reports whether the two key sets share at least one key.
func Intersects(a, b []ResourceKey) bool {
	for _, ka := range a {
		for _, kb := range b {
			if ka == kb {
				return true
			}
		}
	}
	return false
}
