package cmd

import (
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/core"
	"github.com/d3rp3tt3/router/pkg/config"
)

// Params are all required for the router to start up
type Params struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zap.Logger
}

// NewRouter creates a new router instance.
//
// additionalOptions can be used to override default options or options provided in the config.
func NewRouter(params Params, additionalOptions ...core.Option) (*core.Router, error) {
	// Automatically set GOMAXPROCS to avoid CPU throttling on containerized environments
	_, err := maxprocs.Set(maxprocs.Logger(params.Logger.Sugar().Debugf))
	if err != nil {
		return nil, fmt.Errorf("could not set max GOMAXPROCS: %w", err)
	}

	// Set GOMEMLIMIT to 90% of the available memory unless the user did.
	mLimit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroupHybrid,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		params.Logger.Warn("Could not set memory limit", zap.Error(err))
	} else if mLimit > 0 {
		params.Logger.Info("GOMEMLIMIT set automatically", zap.String("limit", humanize.Bytes(uint64(mLimit))))
	} else if os.Getenv("GOMEMLIMIT") != "" {
		params.Logger.Info("GOMEMLIMIT set by user", zap.String("limit", os.Getenv("GOMEMLIMIT")))
	}

	cfg := params.Config
	if len(cfg.Subgraphs) == 0 {
		params.Logger.Warn("No subgraphs configured, every operation will fail to plan")
	}

	options := append(core.OptionsFromConfig(cfg, params.ConfigPath), core.WithLogger(params.Logger))
	options = append(options, additionalOptions...)

	return core.NewRouter(options...)
}
