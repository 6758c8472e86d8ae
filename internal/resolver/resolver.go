package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/pkg/config"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/google/go-querystring/query"
)

const maxBodyBytes = 4 << 20

// ResolutionError reports that every candidate for an operation failed.
type ResolutionError struct {
	Operation  Operation
	LastStatus int
	Tried      int
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %d candidates exhausted, last status %d", e.Operation, e.Tried, e.LastStatus)
}

func (e *ResolutionError) Is(target error) bool {
	return target == domain.ErrResolution
}

// Response is the first structurally valid answer for an operation.
type Response struct {
	Candidate string
	Status    int
	Body      json.RawMessage
}

func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// ShapeCache remembers which candidate won per operation. One cache is
// shared by every resolver in the process.
type ShapeCache struct {
	mu      sync.RWMutex
	winners map[Operation]string
}

func NewShapeCache() *ShapeCache {
	return &ShapeCache{winners: make(map[Operation]string)}
}

func (c *ShapeCache) Winner(op Operation) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.winners[op]
	return name, ok
}

func (c *ShapeCache) remember(op Operation, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.winners[op] = name
}

type Resolver struct {
	http           *http.Client
	baseURL        string
	authenticator  string
	userAgent      string
	requestTimeout time.Duration
	diagnosticsDir string
	candidates     map[Operation][]Candidate
	cache          *ShapeCache
}

type Option func(*Resolver)

func WithCandidates(op Operation, cands ...Candidate) Option {
	return func(r *Resolver) { r.candidates[op] = cands }
}

func WithShapeCache(c *ShapeCache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithUserAgent(ua string) Option {
	return func(r *Resolver) { r.userAgent = ua }
}

func New(client *http.Client, cfg config.BackendConfig, opts ...Option) *Resolver {
	r := &Resolver{
		http:           client,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		authenticator:  cfg.Authenticator,
		requestTimeout: cfg.RequestTimeout,
		diagnosticsDir: cfg.DiagnosticsDir,
		candidates:     DefaultCandidates(),
		cache:          NewShapeCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries the operation's candidates in order and returns the first
// 2xx response whose body is valid JSON. A previously winning candidate is
// tried first.
func (r *Resolver) Resolve(ctx context.Context, op Operation, req Request) (*Response, error) {
	cands := r.ordered(op)
	if len(cands) == 0 {
		return nil, fmt.Errorf("resolve %s: no candidates registered", op)
	}

	var (
		lastStatus int
		lastBody   []byte
		tried      int
	)
	for _, c := range cands {
		if strings.Contains(c.Path, participantToken) && req.Participant == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tried++

		status, body, err := r.try(ctx, c, req)
		if err != nil {
			logger.DebugContext(ctx, "Candidate failed", "operation", op, "candidate", c.Name, "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		lastStatus, lastBody = status, body

		if status < 200 || status > 299 {
			logger.DebugContext(ctx, "Candidate rejected", "operation", op, "candidate", c.Name, "status", status)
			continue
		}
		if !json.Valid(body) {
			logger.DebugContext(ctx, "Candidate returned non-JSON body", "operation", op, "candidate", c.Name, "status", status)
			continue
		}

		r.cache.remember(op, c.Name)
		logger.DebugContext(ctx, "Candidate resolved", "operation", op, "candidate", c.Name)
		return &Response{Candidate: c.Name, Status: status, Body: body}, nil
	}

	if lastBody != nil {
		r.writeDiagnostic(ctx, op, lastBody)
	}
	rerr := &ResolutionError{Operation: op, LastStatus: lastStatus, Tried: tried}
	logger.WarnContext(ctx, "Endpoint resolution exhausted", "operation", op, "last_status", lastStatus, "tried", tried)
	return nil, rerr
}

func (r *Resolver) ordered(op Operation) []Candidate {
	cands := r.candidates[op]
	name, ok := r.cache.Winner(op)
	if !ok {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Name == name {
			out = append(out, c)
		}
	}
	for _, c := range cands {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) try(ctx context.Context, c Candidate, req Request) (int, []byte, error) {
	if r.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}

	httpReq, err := r.build(ctx, c, req)
	if err != nil {
		return 0, nil, err
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (r *Resolver) build(ctx context.Context, c Candidate, req Request) (*http.Request, error) {
	u, err := url.Parse(r.baseURL + strings.ReplaceAll(c.Path, participantToken, url.PathEscape(req.Participant)))
	if err != nil {
		return nil, fmt.Errorf("candidate %s: %w", c.Name, err)
	}
	q := u.Query()
	if r.authenticator != "" {
		q.Set("autenticador", r.authenticator)
	}

	var (
		body        io.Reader
		contentType string
	)
	if c.Payload != nil {
		payload := c.Payload(req)
		switch c.Encoding {
		case EncodeQuery:
			vals, err := query.Values(payload)
			if err != nil {
				return nil, fmt.Errorf("candidate %s: encode query: %w", c.Name, err)
			}
			for k, vs := range vals {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
		case EncodeForm:
			vals, err := query.Values(payload)
			if err != nil {
				return nil, fmt.Errorf("candidate %s: encode form: %w", c.Name, err)
			}
			body = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case EncodeJSON:
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("candidate %s: encode json: %w", c.Name, err)
			}
			body = bytes.NewReader(raw)
			contentType = "application/json"
		default:
			return nil, errors.New("unknown encoding")
		}
	} else if c.Encoding == EncodeForm && c.Method != http.MethodGet {
		body = strings.NewReader("")
		contentType = "application/x-www-form-urlencoded"
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, c.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	httpReq.Header.Set("Referer", r.baseURL+pathBookingPage)
	httpReq.Header.Set("Origin", r.baseURL)
	if r.userAgent != "" {
		httpReq.Header.Set("User-Agent", r.userAgent)
	}
	return httpReq, nil
}

func (r *Resolver) writeDiagnostic(ctx context.Context, op Operation, body []byte) {
	dir := r.diagnosticsDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.WarnContext(ctx, "Failed to create diagnostics dir", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, string(op)+"-last-response.html")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		logger.WarnContext(ctx, "Failed to write diagnostic artifact", "path", path, "error", err)
		return
	}
	logger.InfoContext(ctx, "Wrote diagnostic artifact", "operation", op, "path", path)
}
