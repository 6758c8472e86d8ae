package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diagnosis/slotbridge/internal/client"
	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/resolver"
	"github.com/diagnosis/slotbridge/internal/utils"
	"github.com/diagnosis/slotbridge/pkg/config"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// Browser is an interactive browser session owned by a single login attempt.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	// CurrentURL fails once the user has closed the window.
	CurrentURL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	Close() error
}

type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Credential is the reusable HTTP session produced by a successful login.
type Credential struct {
	Client    *http.Client
	Jar       http.CookieJar
	UserAgent string
	Identity  domain.Identity
}

// IdentifyFunc resolves who logged in. Errors fall back to a synthetic identity.
type IdentifyFunc func(ctx context.Context, cred *Credential) (domain.Identity, error)

type Bridge struct {
	launcher Launcher
	login    config.LoginConfig
	backend  config.BackendConfig
	idp      *url.URL
	site     *url.URL
	identify IdentifyFunc
	shapes   *resolver.ShapeCache
}

type Option func(*Bridge)

func WithIdentify(fn IdentifyFunc) Option {
	return func(b *Bridge) { b.identify = fn }
}

// WithShapeCache shares resolver winners between identity lookup and the
// session clients.
func WithShapeCache(c *resolver.ShapeCache) Option {
	return func(b *Bridge) { b.shapes = c }
}

func New(launcher Launcher, login config.LoginConfig, backend config.BackendConfig, opts ...Option) (*Bridge, error) {
	idp, err := url.Parse(login.IdentityProviderURL)
	if err != nil || idp.Host == "" {
		return nil, fmt.Errorf("invalid identity provider url %q", login.IdentityProviderURL)
	}
	site, err := url.Parse(backend.BaseURL)
	if err != nil || site.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", backend.BaseURL)
	}
	b := &Bridge{
		launcher: launcher,
		login:    login,
		backend:  backend,
		idp:      idp,
		site:     site,
		shapes:   resolver.NewShapeCache(),
	}
	b.identify = b.participantIdentity
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Login drives one interactive login attempt. The browser is released on
// every return path.
func (b *Bridge) Login(ctx context.Context) (*Credential, error) {
	br, err := b.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	release := releaseOnce(ctx, br)
	defer release()

	if err := br.Navigate(ctx, b.login.IdentityProviderURL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("navigate to identity provider: %w", err)
	}
	logger.InfoContext(ctx, "Waiting for interactive login", "timeout", b.login.PollTimeout)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	transport := &uaTransport{base: http.DefaultTransport}
	httpClient := &http.Client{Jar: jar, Transport: transport}

	deadline := time.NewTimer(b.login.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.login.PollInterval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		ok, err := b.poll(ctx, br, jar, httpClient)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.InfoContext(ctx, "Authenticated session observed", "tick", tick)
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, domain.ErrAuthTimeout
		case <-ticker.C:
		}
	}

	ua, err := br.UserAgent(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Could not read browser user agent", "error", err)
	}
	transport.set(ua)
	release()

	cred := &Credential{Client: httpClient, Jar: jar, UserAgent: ua}
	cred.Identity = b.resolveIdentity(ctx, cred)
	return cred, nil
}

// poll runs one tick: liveness, cookie copy, probes.
func (b *Bridge) poll(ctx context.Context, br Browser, jar http.CookieJar, httpClient *http.Client) (bool, error) {
	if _, err := br.CurrentURL(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", domain.ErrBrowserClosed, err)
	}

	cookies, err := br.Cookies(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: read cookies: %v", domain.ErrBrowserClosed, err)
	}
	jar.SetCookies(b.site, siteCookies(cookies))

	for _, p := range b.login.ProbePaths {
		if b.probe(ctx, httpClient, p) {
			return true, nil
		}
	}
	return false, nil
}

// siteCookies rescopes browser cookies onto the site so that a newer value
// overwrites an older one with the same name.
func siteCookies(in []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil || c.Name == "" {
			continue
		}
		cp := *c
		cp.Domain = ""
		cp.Path = "/"
		out = append(out, &cp)
	}
	return out
}

func (b *Bridge) probe(ctx context.Context, httpClient *http.Client, path string) bool {
	if b.backend.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.backend.RequestTimeout)
		defer cancel()
	}

	u := *b.site
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	if b.backend.Authenticator != "" {
		q.Set("autenticador", b.backend.Authenticator)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "Login probe failed", "path", path, "error", err)
		return false
	}
	resp.Body.Close()

	final := resp.Request.URL
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	if b.onIdentityProvider(final) {
		logger.DebugContext(ctx, "Login probe landed on identity provider", "path", path)
		return false
	}
	return true
}

// onIdentityProvider compares host:port when the provider URL names a port,
// otherwise matches the provider host and its subdomains.
func (b *Bridge) onIdentityProvider(u *url.URL) bool {
	if b.idp.Port() != "" {
		return strings.EqualFold(u.Host, b.idp.Host)
	}
	return utils.HostWithin(u.Hostname(), b.idp.Hostname())
}

func (b *Bridge) resolveIdentity(ctx context.Context, cred *Credential) domain.Identity {
	id, err := b.identify(ctx, cred)
	if err == nil && id.ID != "" {
		return id
	}
	synthetic := domain.Identity{ID: "anon-" + uuid.NewString(), DisplayName: "usuario", Synthetic: true}
	logger.WarnContext(ctx, "Could not resolve user identity, using placeholder", "identity", synthetic.ID, "error", err)
	return synthetic
}

func (b *Bridge) participantIdentity(ctx context.Context, cred *Credential) (domain.Identity, error) {
	res := resolver.New(cred.Client, b.backend, resolver.WithUserAgent(cred.UserAgent), resolver.WithShapeCache(b.shapes))
	p, err := client.New(res).Participant(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{ID: p.ID, DisplayName: p.Name}, nil
}

func releaseOnce(ctx context.Context, br Browser) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := br.Close(); err != nil && !errors.Is(err, context.Canceled) {
				logger.WarnContext(ctx, "Browser did not close cleanly", "error", err)
			}
		})
	}
}

// uaTransport stamps the browser's User-Agent on every outbound request.
type uaTransport struct {
	base http.RoundTripper
	ua   atomic.Value
}

func (t *uaTransport) set(ua string) {
	if ua != "" {
		t.ua.Store(ua)
	}
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ua, _ := t.ua.Load().(string)
	if ua != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", ua)
	}
	return t.base.RoundTrip(req)
}
