// Package mdns finds LXI instruments that advertise a raw SCPI socket.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the DNS-SD type of the raw SCPI socket.
const Service = "_scpi-raw._tcp"

// Role guesses what an instrument is used for on the bench.
type Role string

const (
	RoleUnknown    Role = ""
	RoleGenerator  Role = "generator"
	RoleAnalyzer   Role = "analyzer"
	RolePowerMeter Role = "power_meter"
)

// Instrument is one discovered SCPI endpoint.
type Instrument struct {
	Instance     string // advertised name: "Rohde & Schwarz FSW-43 #101234"
	Hostname     string // DNS hostname: "fsw43-101234.local."
	Addresses    []net.IP
	Port         int
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
	Role         Role
	TXT          []string
}

// Address returns host:port of the first IPv4 address, falling back to the
// hostname.
func (i Instrument) Address() string {
	for _, ip := range i.Addresses {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), strconv.Itoa(i.Port))
		}
	}
	if len(i.Addresses) > 0 {
		return net.JoinHostPort(i.Addresses[0].String(), strconv.Itoa(i.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(i.Hostname, "."), strconv.Itoa(i.Port))
}

var modelRoles = []struct {
	prefix string
	role   Role
}{
	{"SMW", RoleGenerator},
	{"SMBV", RoleGenerator},
	{"SMM", RoleGenerator},
	{"FSW", RoleAnalyzer},
	{"FSV", RoleAnalyzer},
	{"FSVA", RoleAnalyzer},
	{"NRX", RolePowerMeter},
	{"NRP", RolePowerMeter},
}

// Classify maps a model string onto a bench role.
func Classify(model string) Role {
	m := strings.ToUpper(strings.TrimSpace(model))
	for _, mr := range modelRoles {
		if strings.HasPrefix(m, mr.prefix) {
			return mr.role
		}
	}
	return RoleUnknown
}

// Discover browses for SCPI instruments until ctx is done or timeout
// elapses. Results are deduplicated by hostname and port and sorted by
// instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Instrument, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Instrument)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				inst := fromEntry(e)
				found[fmt.Sprintf("%s|%d", inst.Hostname, inst.Port)] = inst
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Instrument, 0, len(found))
	for _, inst := range found {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Instrument {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	inst := Instrument{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "manufacturer":
			inst.Manufacturer = v
		case "model":
			inst.Model = v
		case "serialnumber":
			inst.Serial = v
		case "firmwareversion":
			inst.Firmware = v
		}
	}
	inst.Role = Classify(inst.Model)
	return inst
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
