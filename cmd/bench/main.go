// Command bench measures how fast watching registries converge under
// membership churn, on the in-process coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord/memcoord"
	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
)

func main() {
	n := flag.Int("n", 200, "members joining")
	observers := flag.Int("o", 8, "watching registries")
	conc := flag.Int("c", 32, "concurrency")
	timeout := flag.Duration("timeout", 30*time.Second, "max wait for convergence")
	verbose := flag.Bool("v", false, "log registry activity")
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}
	ctx := context.Background()
	srv := memcoord.NewServer()

	regs := make([]*registry.Registry, *observers)
	for i := range regs {
		sess := srv.Connect(nil)
		defer sess.Close()
		regs[i] = registry.New(sess, registry.WithLogger(log.With(zap.Int("observer", i))))
		defer regs[i].Close()
		if err := regs[i].EnsureRoot(ctx); err != nil {
			fail(err)
		}
		if err := regs[i].Watch(ctx); err != nil {
			fail(err)
		}
	}

	type member struct {
		sess *memcoord.Session
		reg  *registry.Registry
		h    *registry.Handle
	}
	members := make([]member, *n)

	// join
	start := time.Now()
	parallel(*n, *conc, func(i int) {
		sess := srv.Connect(nil)
		reg := registry.New(sess, registry.WithLogger(log))
		h, err := reg.Join(ctx, []byte(fmt.Sprintf("10.%d.%d.%d:8080", i>>16&0xff, i>>8&0xff, i&0xff)))
		if err != nil {
			fail(err)
		}
		members[i] = member{sess: sess, reg: reg, h: h}
	})
	joined := time.Since(start)
	report("join", *n, joined, converge(regs, *n, *timeout).Sub(start))

	// half leave gracefully
	half := *n / 2
	start = time.Now()
	parallel(half, *conc, func(i int) {
		if err := members[i].reg.Leave(ctx, members[i].h); err != nil {
			fail(err)
		}
	})
	report("leave", half, time.Since(start), converge(regs, *n-half, *timeout).Sub(start))

	// the rest crash
	start = time.Now()
	parallel(*n-half, *conc, func(i int) { members[half+i].sess.Expire() })
	report("expire", *n-half, time.Since(start), converge(regs, 0, *timeout).Sub(start))

	for _, m := range members {
		m.reg.Close()
		_ = m.sess.Close()
	}
}

func parallel(n, conc int, fn func(i int)) {
	var wg sync.WaitGroup
	ch := make(chan struct{}, conc)
	for i := 0; i < n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			fn(i)
			<-ch
		}(i)
	}
	wg.Wait()
}

// converge polls until every observer's snapshot has want members and
// returns the time it happened.
func converge(regs []*registry.Registry, want int, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, r := range regs {
			if r.Current().Len() != want {
				done = false
				break
			}
		}
		now := time.Now()
		if done {
			return now
		}
		if now.After(deadline) {
			fail(fmt.Errorf("no convergence on %d members within %s", want, timeout))
		}
		time.Sleep(time.Millisecond)
	}
}

func report(phase string, ops int, took time.Duration, convergedAfter time.Duration) {
	fmt.Printf("%-6s %5d ops in %s (%.2f ops/s), observers converged after %s\n",
		phase, ops, took, float64(ops)/took.Seconds(), convergedAfter)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "bench:", err)
	os.Exit(1)
}
