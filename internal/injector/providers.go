package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/netsync/internal/config"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/node"
)

// ProviderSet is everything InitializeNode needs.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideNode,
	wire.Struct(new(Runtime), "*"),
	wire.Bind(new(log.Log), new(*log.Logger)),
	wire.Bind(new(metrics.Recorder), new(*metrics.Metrics)),
)

// Runtime is the assembled process: the node plus the collaborators the
// command line needs direct access to.
type Runtime struct {
	Node    *node.Node
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

func ProvideLogger(cfg config.Config) *log.Logger {
	return log.New(cfg.LogLevel())
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

func ProvideNode(cfg config.Config, logger log.Log, recorder metrics.Recorder) (*node.Node, func(), error) {
	n, err := node.New(cfg.Node(), node.WithLogger(logger), node.WithMetrics(recorder))
	if err != nil {
		return nil, nil, err
	}
	return n, func() { _ = n.Close() }, nil
}
