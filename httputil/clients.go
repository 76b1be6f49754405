package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	LightTimeout   = 10 * time.Second
)

type Clients struct {
	Scraping *http.Client // store ranking and detail pages
	Light    *http.Client // lightweight paginated stores
	API      *http.Client // Google Books, cover downloads
}

func NewClients() *Clients {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Clients{
		Scraping: &http.Client{Timeout: DefaultTimeout, Transport: transport},
		Light:    &http.Client{Timeout: LightTimeout, Transport: transport},
		API:      &http.Client{Timeout: DefaultTimeout},
	}
}

// For picks the client a store should use
func (c *Clients) For(light bool) *http.Client {
	if light {
		return c.Light
	}
	return c.Scraping
}
