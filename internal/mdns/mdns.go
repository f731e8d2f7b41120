// Package mdns advertises and discovers symbol sinks over multicast DNS.
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

const (
	// Service is the DNS-SD type of a ZeroMQ symbol push socket.
	Service = "_dmrsym._tcp"
	Domain  = "local."
)

// Host represents a discovered symbol sink
type Host struct {
	Instance  string // Advertised name: "dmrmodem on shack"
	Hostname  string // DNS hostname: "shack.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Endpoint returns a ZeroMQ tcp endpoint for h, preferring IPv4.
func (h Host) Endpoint() (string, error) {
	if len(h.Addresses) == 0 {
		return "", fmt.Errorf("host %q has no addresses", h.Instance)
	}
	ip := h.Addresses[0]
	for _, a := range h.Addresses {
		if a.To4() != nil {
			ip = a
			break
		}
	}
	return "tcp://" + net.JoinHostPort(ip.String(), strconv.Itoa(h.Port)), nil
}

// Advertisement is a running service registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the symbol sink listening on port. txt carries
// key=value metadata such as the baud rate.
func Advertise(instance string, port int, txt []string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", Service, err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Discover performs a blocking mDNS browse for symbol sinks until timeout or
// ctx ends. It returns cleaned and deduplicated host entries.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	// Consumer goroutine
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
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sortHosts(out)
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Instance != hosts[j].Instance {
			return hosts[i].Instance < hosts[j].Instance
		}
		return hosts[i].Port < hosts[j].Port
	})
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
