package gateway

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/netquota/hotspotd/internal/model"
)

// Factory builds a Client for a site from its stored credentials.
type Factory interface {
	ForSite(site *model.Site) (Client, error)
}

// Opener reveals sealed secrets; implemented by crypto.Sealer.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// Options configure HTTP clients created by the factory.
type Options struct {
	Scheme      string
	DefaultPort int
	Timeout     time.Duration
	InsecureTLS bool // devices ship self-signed certificates
}

// RESTFactory creates RESTClients. It holds no per-site state.
type RESTFactory struct {
	opts   Options
	opener Opener
	hc     *http.Client
}

var _ Factory = (*RESTFactory)(nil)

// NewFactory constructs a factory; one transport is shared by all clients it creates.
func NewFactory(opts Options, opener Opener) *RESTFactory {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = 443
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	//nolint:gosec // RouterOS devices use self-signed certificates
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureTLS}
	return &RESTFactory{
		opts:   opts,
		opener: opener,
		hc:     &http.Client{Timeout: opts.Timeout, Transport: tr},
	}
}

// ForSite opens the site's sealed password and binds a client.
func (f *RESTFactory) ForSite(site *model.Site) (Client, error) {
	if site == nil {
		return nil, fmt.Errorf("nil site")
	}
	pass, err := f.opener.Open(site.APIPassword)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", site.Name, err)
	}
	port := site.Port
	if port <= 0 {
		port = f.opts.DefaultPort
	}
	return NewRESTClient(Credentials{
		Site:     site.Name,
		Scheme:   f.opts.Scheme,
		Host:     site.Host,
		Port:     port,
		User:     site.APIUser,
		Password: string(pass),
	}, f.hc), nil
}
