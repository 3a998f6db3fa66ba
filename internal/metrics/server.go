// Package metrics exposes the Prometheus scrape endpoint and the
// platform-level gauges (drawdown, uncertainty, regime).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Platform holds the cross-component gauges updated by the control
// plane's periodic jobs. Registration happens once per process, on the
// first NewServer or GetPlatform call.
type Platform struct {
	Drawdown         prometheus.Gauge
	RiskMultiplier   prometheus.Gauge
	UncertaintyScore prometheus.Gauge
	CadenceMult      prometheus.Gauge
	RegimeConfidence prometheus.Gauge
	ActiveRegime     *prometheus.GaugeVec
}

var (
	platformInstance *Platform
	platformOnce     sync.Once
)

// GetPlatform returns the singleton platform gauges.
func GetPlatform() *Platform {
	platformOnce.Do(func() {
		platformInstance = &Platform{
			Drawdown: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "platform_drawdown",
				Help: "Current drawdown of the reward equity curve",
			}),
			RiskMultiplier: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "platform_risk_multiplier",
				Help: "Drawdown governor risk multiplier",
			}),
			UncertaintyScore: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "platform_uncertainty_score",
				Help: "Aggregate uncertainty score",
			}),
			CadenceMult: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "platform_cadence_multiplier",
				Help: "Interval multiplier derived from uncertainty",
			}),
			RegimeConfidence: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "platform_regime_confidence",
				Help: "Confidence of the active regime classification",
			}),
			ActiveRegime: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "platform_active_regime",
				Help: "1 for the active regime label, 0 otherwise",
			}, []string{"regime"}),
		}
	})
	return platformInstance
}

// SetRegime flips the regime label gauge to exactly one active label.
func (p *Platform) SetRegime(active string, confidence float64) {
	for _, label := range []string{"risk_on", "risk_off", "transition", "shock", "unknown"} {
		v := 0.0
		if label == active {
			v = 1.0
		}
		p.ActiveRegime.WithLabelValues(label).Set(v)
	}
	p.RegimeConfidence.Set(confidence)
}

// Server serves /metrics and /health and owns the platform gauges. The
// health endpoint answers from process state only and never touches the
// store.
type Server struct {
	port    int
	gauges  *Platform
	server  *http.Server
	started time.Time
	log     zerolog.Logger
}

// NewServer creates a metrics server and registers the platform gauges.
func NewServer(port int, log zerolog.Logger) *Server {
	return &Server{
		port:   port,
		gauges: GetPlatform(),
		log:    log.With().Str("component", "metrics_server").Logger(),
	}
}

// Gauges returns the platform gauges this server exposes.
func (s *Server) Gauges() *Platform {
	return s.gauges
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_sec":%d}`, int(time.Since(s.started).Seconds()))
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.routes(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down metrics server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}
