// Package rws is a small client for the Robot Web Services 2.0 API of an ABB OmniCore controller.
// It covers the resources needed to drive the RAPID state machine: IO signals, RAPID symbols,
// mastership and joint targets.
package rws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/omnicore/logging"
)

const (
	acceptHeader      = "application/hal+json;v=2.0"
	contentTypeHeader = "application/x-www-form-urlencoded;v=2.0"

	defaultRequestTimeout = 5 * time.Second
	defaultConnectTimeout = 3 * time.Second
	maxErrorBody          = 512
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Scheme defaults to https, which is all OmniCore serves.
	Scheme string
	// InsecureTLS skips certificate verification, for controllers using their factory
	// self-signed certificate.
	InsecureTLS bool
	// RequestTimeout bounds each request when the caller's context has no earlier deadline.
	RequestTimeout time.Duration
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("RWS %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client issues RWS requests. The session cookie set by the controller is kept between requests.
type Client struct {
	base     url.URL
	username string
	password string
	http     *http.Client
	logger   logging.Logger
}

// NewClient returns a client for the controller described by cfg. No request is made.
func NewClient(cfg ClientConfig, logger logging.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("RWS host is required")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port != 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: defaultConnectTimeout,
		//nolint:gosec
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
	}
	return &Client{
		base:     url.URL{Scheme: scheme, Host: host},
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout, Transport: transport, Jar: jar},
		logger:   logger,
	}, nil
}

// Close drops idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// resource is one entry of an RWS 2.0 state or embedded resource list. Every value is a string.
type resource map[string]interface{}

type listResponse struct {
	State    []resource `json:"state"`
	Embedded struct {
		Resources []resource `json:"resources"`
	} `json:"_embedded"`
}

// field returns the first string value of key across the response's resources.
func (r *listResponse) field(key string) (string, bool) {
	for _, list := range [][]resource{r.State, r.Embedded.Resources} {
		for _, res := range list {
			if v, ok := res[key].(string); ok {
				return v, true
			}
		}
	}
	return "", false
}

// joinPath escapes each segment of a resource path. Names may themselves contain slashes, such as
// signals addressed by network and device.
func joinPath(segments ...string) string {
	var sb strings.Builder
	for _, seg := range segments {
		for _, part := range strings.Split(seg, "/") {
			if part == "" {
				continue
			}
			sb.WriteByte('/')
			sb.WriteString(url.PathEscape(part))
		}
	}
	return sb.String()
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	u := c.base
	u.RawPath = path
	if unescaped, err := url.PathUnescape(path); err == nil {
		u.Path = unescaped
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", acceptHeader)
	if form != nil {
		req.Header.Set("Content-Type", contentTypeHeader)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "RWS %s %s", method, path)
	}
	defer func() {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	c.logger.CDebugw(ctx, "RWS request", "method", method, "path", path, "status", resp.StatusCode,
		"took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding RWS %s %s", method, path)
	}
	return nil
}

func (c *Client) getField(ctx context.Context, path, key string) (string, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	v, ok := resp.field(key)
	if !ok {
		return "", errors.Errorf("RWS GET %s: response has no %q", path, key)
	}
	return v, nil
}

// SetIOSignal sets the logical value of an IO signal.
func (c *Client) SetIOSignal(ctx context.Context, signal, value string) error {
	return c.do(ctx, http.MethodPost, joinPath("rw/iosystem/signals", signal, "set-value"),
		url.Values{"lvalue": {value}}, nil)
}

// GetIOSignal returns the logical value of an IO signal.
func (c *Client) GetIOSignal(ctx context.Context, signal string) (string, error) {
	return c.getField(ctx, joinPath("rw/iosystem/signals", signal), "lvalue")
}

func symbolPath(task, module, symbol string) string {
	return joinPath("rw/rapid/symbol/RAPID", task, module, symbol, "data")
}

// GetRAPIDSymbol returns the value of a RAPID data symbol in its RAPID literal form.
func (c *Client) GetRAPIDSymbol(ctx context.Context, task, module, symbol string) (string, error) {
	return c.getField(ctx, symbolPath(task, module, symbol), "value")
}

// SetRAPIDSymbol writes a RAPID data symbol. value is a RAPID literal, e.g. `[1,2,3]` or `TRUE`.
// Writing requires edit mastership.
func (c *Client) SetRAPIDSymbol(ctx context.Context, task, module, symbol, value string) error {
	return c.do(ctx, http.MethodPost, symbolPath(task, module, symbol), url.Values{"value": {value}}, nil)
}

// RequestMastership takes edit mastership of the RAPID domain.
func (c *Client) RequestMastership(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/rw/mastership/edit/request", url.Values{}, nil)
}

// ReleaseMastership gives edit mastership back.
func (c *Client) ReleaseMastership(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/rw/mastership/edit/release", url.Values{}, nil)
}

// WithMastership runs f while holding edit mastership. The release error is returned only if f
// succeeded.
func (c *Client) WithMastership(ctx context.Context, f func(ctx context.Context) error) (err error) {
	if err := c.RequestMastership(ctx); err != nil {
		return errors.Wrap(err, "requesting mastership")
	}
	defer func() {
		// release even when ctx expired, or the controller stays locked
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRequestTimeout)
		defer cancel()
		if relErr := c.ReleaseMastership(releaseCtx); relErr != nil {
			c.logger.CWarnw(ctx, "failed to release mastership", "error", relErr)
			if err == nil {
				err = errors.Wrap(relErr, "releasing mastership")
			}
		}
	}()
	return f(ctx)
}

var jointTargetKeys = []string{
	"rax_1", "rax_2", "rax_3", "rax_4", "rax_5", "rax_6",
	"eax_a", "eax_b", "eax_c", "eax_d", "eax_e", "eax_f",
}

// JointTarget is a mechanical unit's joint position in degrees (millimeters for linear axes).
type JointTarget struct {
	Robot    [6]float64
	External [6]float64
}

// GetJointTarget reads the current joint target of a mechanical unit. Unused external axes are
// reported by the controller as 9E9.
func (c *Client) GetJointTarget(ctx context.Context, mechUnit string) (JointTarget, error) {
	var resp listResponse
	path := joinPath("rw/motionsystem/mechunits", mechUnit, "jointtarget")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return JointTarget{}, err
	}
	var jt JointTarget
	for i, key := range jointTargetKeys {
		raw, ok := resp.field(key)
		if !ok {
			return JointTarget{}, errors.Errorf("RWS joint target of %s has no %q", mechUnit, key)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return JointTarget{}, errors.Wrapf(err, "parsing %s", key)
		}
		if i < 6 {
			jt.Robot[i] = v
		} else {
			jt.External[i-6] = v
		}
	}
	return jt, nil
}
