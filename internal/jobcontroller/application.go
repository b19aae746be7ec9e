package jobcontroller

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/hepbatch/jobcontroller/internal/common"
	"github.com/hepbatch/jobcontroller/internal/common/health"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/cluster"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/configuration"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/job"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/server"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/service"
)

// StartUp wires the job table, the submit service, the two event
// reconcilers and the HTTP servers, and returns a wait group together
// with the channel that triggers shutdown.
func StartUp(config configuration.JobControllerConfiguration) (*sync.WaitGroup, chan os.Signal) {
	kubernetesClientProvider, err := cluster.NewKubernetesClientProvider(&config.Kubernetes)
	if err != nil {
		log.Errorf("Failed to connect to kubernetes because %s", err)
		os.Exit(-1)
	}
	kubernetesClient := kubernetesClientProvider.Client()

	jobTable := job.NewTable()
	submitService := job.NewSubmitService(kubernetesClient, &config.Submission)

	ctx, cancel := context.WithCancel(context.Background())

	workloadReconciler := service.NewWorkloadEventReconciler(kubernetesClient, jobTable, config.Reconciliation)
	podReconciler := service.NewPodEventReconciler(kubernetesClient, jobTable, config.Reconciliation)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		workloadReconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		podReconciler.Run(ctx)
	}()

	if config.Reconciliation.TombstonePruneInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runTombstonePruner(ctx, jobTable, config.Reconciliation)
		}()
	}

	healthChecker := health.CheckerFunc(func() error {
		_, err := kubernetesClient.Discovery().ServerVersion()
		return err
	})

	jobServer := server.NewJobServer(jobTable, submitService, config.Submission.MaxRestartCount, healthChecker)
	shutdownHttpServer := common.ServeHttp(config.Http.Port, jobServer.Routes())
	shutdownMetricServer := common.ServeHttp(config.Http.MetricsPort, promhttp.Handler())

	shutdownChannel := make(chan os.Signal, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-shutdownChannel
		log.Info("Shutting down")
		cancel()
		shutdownHttpServer()
		shutdownMetricServer()
	}()

	return wg, shutdownChannel
}

func runTombstonePruner(ctx context.Context, jobTable *job.Table, config configuration.ReconciliationConfiguration) {
	ticker := time.NewTicker(config.TombstonePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := jobTable.PruneDeleted(config.TombstoneRetention, time.Now())
			if removed > 0 {
				log.Infof("Pruned %d tombstoned job records", removed)
			}
		}
	}
}
