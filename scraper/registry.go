package scraper

import (
	"fmt"
	"time"

	"manga_ranker/config"
	"manga_ranker/httputil"
	apperrors "manga_ranker/pkg/errors"
)

const (
	HandlerStatic   = "static"
	HandlerDetail   = "detail"
	HandlerPaged    = "paged"
	HandlerRendered = "rendered"
)

// Registry maps store ids to their extractors. It is built once at startup.
type Registry map[int64]Extractor

func (r Registry) Get(storeID int64) (Extractor, bool) {
	e, ok := r[storeID]
	return e, ok
}

// NewRegistry builds an extractor for every enabled store config
func NewRegistry(stores map[int64]*config.StoreConfig, clients *httputil.Clients, renderer Renderer) (Registry, error) {
	reg := make(Registry, len(stores))
	for id, sc := range stores {
		if sc.Disabled {
			continue
		}
		e, err := NewExtractor(sc, clients, renderer)
		if err != nil {
			return nil, err
		}
		reg[id] = e
	}
	return reg, nil
}

func NewExtractor(sc *config.StoreConfig, clients *httputil.Clients, renderer Renderer) (Extractor, error) {
	if err := requireSelectors(sc); err != nil {
		return nil, err
	}
	policy := httputil.NewPolicy(clients.For(sc.Light), sc.Name, policyConfig(sc))

	switch sc.Handler {
	case HandlerStatic, "":
		return NewStaticExtractor(sc, policy), nil
	case HandlerDetail:
		return NewDetailExtractor(sc, policy), nil
	case HandlerPaged:
		return NewPagedExtractor(sc, policy), nil
	case HandlerRendered:
		return NewRenderedExtractor(sc, policy, renderer), nil
	default:
		return nil, apperrors.NewConfiguration(fmt.Sprintf("store %d: unknown handler %q", sc.ID, sc.Handler), nil)
	}
}

func policyConfig(sc *config.StoreConfig) httputil.PolicyConfig {
	cfg := httputil.DefaultPolicyConfig()
	if sc.Delay.MaxMS > 0 {
		cfg.RequestDelay = httputil.Range{
			Min: time.Duration(sc.Delay.MinMS) * time.Millisecond,
			Max: time.Duration(sc.Delay.MaxMS) * time.Millisecond,
		}
	}
	return cfg
}
