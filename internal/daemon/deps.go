package daemon

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/buildorch/internal/config"
	"git.home.luguber.info/inful/buildorch/internal/eventbus"
	"git.home.luguber.info/inful/buildorch/internal/repository"
	"git.home.luguber.info/inful/buildorch/internal/sandbox"
	"git.home.luguber.info/inful/buildorch/internal/store"
	"git.home.luguber.info/inful/buildorch/internal/sweeper"
)

// OpenDeps connects the production collaborators described by cfg. On
// error everything opened so far is closed again.
func OpenDeps(ctx context.Context, cfg *config.Config) (Deps, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return Deps{}, err
	}

	bus, err := eventbus.Connect(ctx, cfg.EventBus, cfg.Service.Name+"-"+cfg.Service.InstanceID)
	if err != nil {
		_ = st.Close()
		return Deps{}, err
	}

	sb := sandbox.NewHTTPClient(cfg.Sandbox)

	var remover sweeper.Remover = sb
	if cfg.Artifacts.Backend == config.ArtifactsS3 {
		objects, err := sweeper.NewObjectStoreRemover(cfg.Artifacts.S3)
		if err != nil {
			_ = bus.Close()
			_ = st.Close()
			return Deps{}, err
		}
		remover = objects
	}

	repo := repository.NewClient(cfg.Repository)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return Deps{
		Store:    st,
		Bus:      bus,
		Sources:  repo,
		Sandbox:  sb,
		Status:   repo,
		Remover:  remover,
		Registry: reg,
	}, nil
}
