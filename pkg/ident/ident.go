// Package ident derives a stable machine fingerprint from the host's
// network hardware. The collector uses it to detect hardware swaps hiding
// behind a stable system identifier.
package ident

import (
	"encoding/hex"
	"hash"
	"net"
	"sort"
	"strings"
)

type Fingerprint struct {
	rawMac []string
	name   string

	hasher hash.Hash
}

func (f *Fingerprint) Hex() string {
	f.hasher.Reset()
	f.hasher.Write([]byte(f.name))
	f.hasher.Write([]byte(strings.Join(f.rawMac, "")))
	return hex.EncodeToString(f.hasher.Sum([]byte{}))
}

// FromMacs collects the host's interface MAC addresses, sorted for
// consistency, and binds them to name under hasher.
func FromMacs(hasher hash.Hash, name string) (*Fingerprint, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var macs []string
	for _, intf := range interfaces {
		if addr := intf.HardwareAddr.String(); addr != "" {
			macs = append(macs, addr)
		}
	}
	sort.Strings(macs)

	return &Fingerprint{
		rawMac: macs,
		name:   name,
		hasher: hasher,
	}, nil
}
