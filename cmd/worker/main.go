// Command worker runs a stateless worker pool: it leases queue entries,
// renders templates, resolves credentials, invokes actions through the
// Action Interface, and reports outcomes back as events. It never
// serves HTTP and never runs the broker's reaper — those belong to
// cmd/server — so a deployment can scale worker replicas independently
// of the control plane, per spec §2/§9 ("Coroutine/async semantics").
package main

import (
	"fmt"
	"os"

	"github.com/conduitrun/conduit/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.StartWorker()
	fmt.Printf("worker pool %q (%s) running\n", a.Cfg.WorkerPoolName, a.Cfg.WorkerPoolRuntime)
	select {}
}
