// Command fleetd runs a single fleet broker peer: it loads configuration,
// wires a Redis-backed registry and a direct TCP router into a
// broker.Broker, and serves a health endpoint until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"

	"github.com/geoffjay/plantd/fleet/core"
	fleetlog "github.com/geoffjay/plantd/fleet/core/log"

	log "github.com/sirupsen/logrus"
)

func main() {
	processArgs()

	config := GetConfig()
	fleetlog.Initialize(config.Log)

	app := NewService(config)

	ctx, cancelFunc := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go app.Run(ctx, wg)

	log.Debug("fleetd started")

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	log.Debug("fleetd terminated")

	cancelFunc()
	wg.Wait()

	log.Debug("fleetd exiting")
}

func processArgs() {
	if len(os.Args) > 1 {
		r := regexp.MustCompile("^-V$|(-{2})?version$")
		if r.MatchString(os.Args[1]) {
			fmt.Println(core.VERSION)
			os.Exit(0)
		}
	}
}
