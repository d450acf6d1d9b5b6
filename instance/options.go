package instance

import (
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/config"
)

// Option configures an Instance.
type Option func(*Instance)

// WithLogger sets the instance logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Instance) {
		if l != nil {
			i.log = l
		}
	}
}

// WithConfig attaches cfg. Equivalent to SetConfig before Initialize.
func WithConfig(cfg config.Config) Option {
	return func(i *Instance) {
		i.cfg = cfg
	}
}
