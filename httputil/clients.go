package httputil

import (
	"net/http"
	"time"

	"mlscache/config"
)

type Clients struct {
	MLS      *http.Client // upstream listing API; per-call deadlines come from ctx
	Supabase *http.Client // PostgREST backend
	Hooks    *http.Client // revalidation webhooks
}

func NewClients(cfg *config.Config) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second

	// Backstop only; the MLS client enforces its own per-call timeout.
	mlsTimeout := cfg.MLS.Timeout + 5*time.Second

	return &Clients{
		MLS:      &http.Client{Timeout: mlsTimeout, Transport: transport},
		Supabase: &http.Client{Timeout: 30 * time.Second},
		Hooks:    &http.Client{Timeout: 10 * time.Second},
	}
}
