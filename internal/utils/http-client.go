package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type FerryHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewFerryHTTPClient(cfg HTTPClientConfig) *FerryHTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport.DialContext = dialer.DialContext
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
			// proxies tend to break multiplexed streams mid-transfer
			transport.ForceAttemptHTTP2 = false
		} else {
			log.Warn().Str("op", "utils/http-client").Err(err).Msg("ignoring invalid proxy URL")
		}
	}
	if transport.ForceAttemptHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			log.Debug().Str("op", "utils/http-client").Err(err).Msg("http2 not configured")
		}
	}
	return &FerryHTTPClient{
		// body reads are bounded per chunk by the caller; only headers get a deadline here
		client: &http.Client{
			Transport: transport,
		},
		config: cfg,
	}
}

// Standard exposes the underlying client for libraries that need one.
func (d *FerryHTTPClient) Standard() *http.Client {
	return d.client
}

func (d *FerryHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range d.config.Headers {
		req.Header.Set(k, v)
	}
	return d.client.Do(req)
}
