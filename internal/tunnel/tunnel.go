// Package tunnel exposes the local HTTP handler on a public ngrok URL.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/metrics"
)

// Credentials is a parsed tunnel token.
type Credentials struct {
	Authtoken string
	Username  string // basic auth, optional
	Password  string
}

// BasicAuth reports whether the tunnel should require a login.
func (c Credentials) BasicAuth() bool {
	return c.Username != ""
}

// ParseToken accepts "token" or "token:user:pass". The password may itself
// contain colons.
func ParseToken(raw string) (Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credentials{}, errors.New("empty ngrok token")
	}
	parts := strings.SplitN(raw, ":", 3)
	switch len(parts) {
	case 1:
		return Credentials{Authtoken: parts[0]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Credentials{}, errors.New("ngrok token must look like token:user:pass")
		}
		return Credentials{Authtoken: parts[0], Username: parts[1], Password: parts[2]}, nil
	default:
		return Credentials{}, errors.New("ngrok token must be token or token:user:pass")
	}
}

// Options configure the tunnel.
type Options struct {
	Token  string // raw token; empty reads NGROK_AUTHTOKEN
	Region string
	Logger *zerolog.Logger
}

type listener interface {
	net.Listener
	URL() string
}

// listen opens the ngrok endpoint. Replaced in tests.
var listen = func(ctx context.Context, creds Credentials, region string) (listener, error) {
	var endpoint []config.HTTPEndpointOption
	if creds.BasicAuth() {
		endpoint = append(endpoint, config.WithBasicAuth(creds.Username, creds.Password))
	}

	connect := []ngrok.ConnectOption{}
	if creds.Authtoken != "" {
		connect = append(connect, ngrok.WithAuthtoken(creds.Authtoken))
	} else {
		connect = append(connect, ngrok.WithAuthtokenFromEnv())
	}
	if region != "" {
		connect = append(connect, ngrok.WithRegion(region))
	}

	tun, err := ngrok.Listen(ctx, config.HTTPEndpoint(endpoint...), connect...)
	if err != nil {
		return nil, err
	}
	return tun, nil
}

// Tunnel is a live public endpoint serving the handler.
type Tunnel struct {
	url string
	ln  listener
	srv *http.Server
	log zerolog.Logger
}

// Connect opens the tunnel and starts serving h on it. Errors are meant to be
// logged by the caller; the local server keeps running without a tunnel.
func Connect(ctx context.Context, opts Options, h http.Handler) (*Tunnel, error) {
	logger := xlog.WithComponent("tunnel")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	var creds Credentials
	if opts.Token != "" {
		var err error
		if creds, err = ParseToken(opts.Token); err != nil {
			return nil, err
		}
	}

	ln, err := listen(ctx, creds, opts.Region)
	if err != nil {
		return nil, fmt.Errorf("ngrok connection aborted (invalid authtoken? get one at https://dashboard.ngrok.com/get-started/your-authtoken): %w", err)
	}

	t := &Tunnel{
		url: ln.URL(),
		ln:  ln,
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		log: logger,
	}
	metrics.IngressUp.Set(1)

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error().Err(err).Str(xlog.FieldEvent, "tunnel.serve").Msg("tunnel stopped serving")
		}
		metrics.IngressUp.Set(0)
	}()

	logger.Info().
		Str(xlog.FieldEvent, "tunnel.up").
		Str("url", t.url).
		Str("region", opts.Region).
		Bool("basic_auth", creds.BasicAuth()).
		Msg("ngrok connected")
	return t, nil
}

// URL is the public address.
func (t *Tunnel) URL() string { return t.url }

// Close stops serving and tears the tunnel down.
func (t *Tunnel) Close(ctx context.Context) error {
	metrics.IngressUp.Set(0)
	return t.srv.Shutdown(ctx)
}
