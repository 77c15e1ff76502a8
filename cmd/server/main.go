// Command server runs the control plane: the HTTP API (catalog
// registration, execution requests, cancellation, event pagination,
// credentials) and the Broker's periodic lease reaper. It does not
// lease or execute queue entries itself — that is cmd/worker's job —
// but RUN_WORKER lets a single small deployment run both in one
// process, the same way the teacher's cmd/main.go folds its worker
// into the API binary behind an env flag.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/conduitrun/conduit/internal/app"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.StartBroker()
	if envTrue("RUN_WORKER", false) {
		a.StartWorker()
	}

	fmt.Printf("server listening on %s\n", a.Cfg.BindAddr)
	if err := a.Run(); err != nil {
		a.Log.Warn("server stopped", "error", err)
		os.Exit(1)
	}
}
