package main

import (
	"os/signal"
	"syscall"

	"github.com/hepbatch/jobcontroller/internal/common"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
)

func main() {
	common.ConfigureLogging()

	var config configuration.JobControllerConfiguration
	common.LoadConfig(&config, "./config/jobcontroller")

	wg, shutdownChannel := jobcontroller.StartUp(config)

	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	wg.Wait()
}
