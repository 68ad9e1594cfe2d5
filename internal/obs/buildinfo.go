package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info{version,commit,goversion} 1
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information of the yaud API.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo registers build_info once and records the running build.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
