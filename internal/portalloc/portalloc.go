// Package portalloc allocates free host TCP ports for preview
// containers by randomized probing, bounded by a worker pool so an
// exhausted range fails fast instead of scanning serially.
package portalloc

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrExhausted indicates no free port was found within the attempt
// budget, surfaced to the build executor as no-free-port.
var ErrExhausted = errors.New("portalloc: no free port found")

// Options bounds the search: [Min, Max] is the candidate range,
// Concurrency caps simultaneous probes, and Attempts caps the total
// number of candidates tried. ProbeTimeout is passed to each probe, but a
// probe is a local net.Listen bind on 127.0.0.1 and does not apply it.
type Options struct {
	Min          int
	Max          int
	Concurrency  int
	ProbeTimeout time.Duration
	Attempts     int
}

// InUse reports whether a port is claimed by a record already tracked
// by the deployment store — checked ahead of the network probe so a
// port that previously bound successfully but is still reserved by
// another deployment's record is never reused.
type InUse func(port int) bool

// Allocate finds a free TCP port in opts.Min..opts.Max. It tries up to
// opts.Attempts distinct random candidates, probing opts.Concurrency at
// a time, and returns the first one that both passes inUse and binds
// successfully.
func Allocate(opts Options, inUse InUse) (int, error) {
	if opts.Min <= 0 || opts.Max <= opts.Min {
		return 0, errors.New("portalloc: invalid range")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 250 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 200
	}

	candidates := shuffledRange(opts.Min, opts.Max, opts.Attempts)

	type result struct {
		port int
		ok   bool
	}
	jobs := make(chan int)
	results := make(chan result, len(candidates))
	var wg sync.WaitGroup

	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobs {
				if inUse != nil && inUse(port) {
					results <- result{port: port, ok: false}
					continue
				}
				results <- result{port: port, ok: probe(port, opts.ProbeTimeout)}
			}
		}()
	}

	go func() {
		for _, c := range candidates {
			jobs <- c
		}
		close(jobs)
	}()

	found := 0
	var winner int
	for i := 0; i < len(candidates); i++ {
		r := <-results
		if r.ok && found == 0 {
			found = r.port
			winner = r.port
		}
	}
	wg.Wait()
	close(results)

	if found == 0 {
		return 0, ErrExhausted
	}
	return winner, nil
}

func probe(port int, timeout time.Duration) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func shuffledRange(min, max, attempts int) []int {
	span := max - min + 1
	if attempts > span {
		attempts = span
	}
	all := make([]int, span)
	for i := range all {
		all[i] = min + i
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:attempts]
}
