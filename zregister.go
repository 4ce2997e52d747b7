package main

import (
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/handler"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/middleware/accesslist"
	"github.com/semihalev/authdns/middleware/accesslog"
	"github.com/semihalev/authdns/middleware/chaos"
	"github.com/semihalev/authdns/middleware/metrics"
	"github.com/semihalev/authdns/middleware/ratelimit"
	"github.com/semihalev/authdns/middleware/recovery"
)

func init() {
	middleware.Register("recovery", func(cfg *config.Config) middleware.Handler { return recovery.New(cfg) })
	middleware.Register("metrics", func(cfg *config.Config) middleware.Handler { return metrics.New(cfg) })
	middleware.Register("accesslog", func(cfg *config.Config) middleware.Handler { return accesslog.New(cfg) })
	middleware.Register("accesslist", func(cfg *config.Config) middleware.Handler { return accesslist.New(cfg) })
	middleware.Register("ratelimit", func(cfg *config.Config) middleware.Handler { return ratelimit.New(cfg) })
	middleware.Register("chaos", func(cfg *config.Config) middleware.Handler { return chaos.New(cfg) })
	middleware.Register("authority", func(cfg *config.Config) middleware.Handler { return handler.New(cfg, zones) })
}
