package printer

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// --- Discovery Logic ---

// Probe reports whether something accepts TCP connections on host:port.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Found is a host with the cascade ports that accepted a connection.
type Found struct {
	Host  string
	Ports []int
}

// Discover probes every host on every port with a bounded worker pool and
// returns the hosts that answered, sorted by address.
func Discover(ctx context.Context, hosts []string, ports []int, workers int, timeout time.Duration) []Found {
	if workers <= 0 {
		workers = 50
	}
	type hit struct {
		host string
		port int
	}
	type job struct {
		host string
		port int
	}

	jobs := make(chan job, 256)
	hits := make(chan hit, 256)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if Probe(ctx, j.host, j.port, timeout) {
					hits <- hit{j.host, j.port}
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, h := range hosts {
			for _, p := range ports {
				select {
				case jobs <- job{h, p}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(hits)
	}()

	byHost := map[string][]int{}
	for h := range hits {
		byHost[h.host] = append(byHost[h.host], h.port)
	}

	found := make([]Found, 0, len(byHost))
	for host, ps := range byHost {
		sort.Ints(ps)
		found = append(found, Found{Host: host, Ports: ps})
	}
	sort.Slice(found, func(i, j int) bool {
		return ipLess(found[i].Host, found[j].Host)
	})
	return found
}

// CascadePorts lists the distinct ports of a cascade in order.
func CascadePorts(cascade []model.Endpoint) []int {
	seen := map[int]bool{}
	var ports []int
	for _, ep := range cascade {
		if !seen[ep.Port] {
			seen[ep.Port] = true
			ports = append(ports, ep.Port)
		}
	}
	return ports
}

func ipLess(a, b string) bool {
	ia, ib := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ia == nil || ib == nil {
		return a < b
	}
	for k := 0; k < 4; k++ {
		if ia[k] != ib[k] {
			return ia[k] < ib[k]
		}
	}
	return false
}
