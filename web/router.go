package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityContentType = "application/activity+json; charset=utf-8"
	shutdownTimeout     = 30 * time.Second
)

// Server is the HTTP surface of the delivery engine.
type Server struct {
	conf      *util.AppConfig
	db        *db.DB
	keys      *activitypub.KeyManager
	inbox     *activitypub.InboxProcessor
	publisher *activitypub.Publisher
	health    *activitypub.HealthMonitor
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewServer wires the handlers. A nil gatherer serves the default registry.
func NewServer(conf *util.AppConfig, database *db.DB, keys *activitypub.KeyManager, inbox *activitypub.InboxProcessor,
	publisher *activitypub.Publisher, health *activitypub.HealthMonitor, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		conf:      conf,
		db:        database,
		keys:      keys,
		inbox:     inbox,
		publisher: publisher,
		health:    health,
		gatherer:  gatherer,
		logger:    logger.Named("web"),
	}
}

func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.HandleMethodNotAllowed = true
	g.Use(gin.Recovery(), ZapLogger(s.logger))

	limits := s.conf.Http
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(limits.RateLimit), limits.RateBurst)))

	// Stricter limit and a body cap for federation and client writes
	apLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(limits.InboxRateLimit), limits.InboxRateBurst))
	maxBodySize := MaxBytesMiddleware(limits.MaxBodyBytes)
	owner := RequireOwner(s.db)

	g.POST("/inbox", apLimiter, maxBodySize, s.postSharedInbox)
	g.POST("/inbox/:identity", apLimiter, maxBodySize, s.postInbox)
	g.POST("/users/:identity/inbox", apLimiter, maxBodySize, s.postInbox)
	g.GET("/inbox/:identity/items", owner, s.getInboxItems)

	g.POST("/outbox/:identity", apLimiter, maxBodySize, owner, s.postOutbox)

	docs := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	docs.GET("/users/:identity", s.getIdentity)
	docs.GET("/users/:identity/followers", s.getFollowers)
	docs.GET("/outbox/:identity", s.getOutbox)
	docs.GET("/.well-known/webfinger", s.getWebfinger)

	g.GET("/healthz", s.getHealth)
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return g
}

// Run serves until ctx is cancelled and then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("domain", s.conf.Conf.Domain))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("stopping http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
