package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"groupchat/internal/auth"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer *http.Server
	// handlers serve the JSON API, raw handlers are registered without JSON pre-processing
	handlers      map[string]http.Handler
	raw           map[string]http.Handler
	ws            *wsHandler
	afterShutdown []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"9000" validate:"gt=0"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE" envDefault:"256" validate:"gt=0"`
	JWTSecret      string        `env:"JWT_SECRET"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		c.ws.queueSize = cfg.SendQueueSize
		if cfg.JWTSecret != "" {
			c.ws.verifier = auth.NewVerifier(cfg.JWTSecret)
		}
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// SendQueueSize sets the outbound event queue size of each event channel connection
func SendQueueSize(n int) Option {
	return optionFunc(func(c *config) {
		c.ws.queueSize = n
	})
}

// WithVerifier requires a valid token on every event channel connection
func WithVerifier(v *auth.Verifier) Option {
	return optionFunc(func(c *config) {
		c.ws.verifier = v
	})
}

// WithMetrics exposes collectors of g on "/metrics"
func WithMetrics(g prometheus.Gatherer) Option {
	return optionFunc(func(c *config) {
		c.raw["/metrics"] = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// TimeoutHandler wraps each JSON API handler in http.TimeoutHandler with provided duration and message.
// The event channel is not wrapped since it hijacks the connection.
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}

// registerHandlers registers JSON API and raw handlers for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		for pattern, h := range c.raw {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// applyEnforcePostJson wraps each handler in handlers map with enforcePostJson middleware
func applyEnforcePostJson() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePostJson(h)
		}
	})
}

// applyLog wraps each http.Handler with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
		for pattern, h := range c.raw {
			c.raw[pattern] = log(h, logger)
		}
	})
}
