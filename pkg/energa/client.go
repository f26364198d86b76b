package energa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prabucki/energa-sync/pkg/common"
	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/types"
)

const (
	defaultBaseURL = "https://api-mojlicznik.energa-operator.pl/dp"

	sessionStatusPath = "/apihelper/SessionStatus"
	userLoginPath     = "/apihelper/UserLogin"
	userDataPath      = "/resources/user/data"
	chartPath         = "/resources/mchart"

	// No timeout is guaranteed by the provider; this is a defensive cap,
	// surfaced as a ConnectionError when exceeded.
	defaultTimeout = 30 * time.Second
)

// The provider buckets DAY charts by the installation's local midnight.
var warsawLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Errorf("failed to load Europe/Warsaw location: %w", err))
	}
	return loc
}()

// Client talks to the Energa "Mój Licznik" mobile API for a single account.
// It owns the session state: a token when the provider hands one out, and a
// cookie jar otherwise — both styles have been observed in the wild and both
// are supported transparently.
type Client struct {
	client  *http.Client
	baseURL string
	creds   types.Credentials
	loc     *time.Location

	// mu serializes login and guards token, epoch, and the discovery cache.
	mu      sync.Mutex
	token   string
	epoch   int
	account []types.MeterChannels
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the provider endpoint, primarily for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLocation sets the installation's time zone used for day bucketing.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

// Configured creates a client with credentials taken from flags.
func Configured() *Client {
	username := lflag.RequiredString("energa-username", "Energa Mój Licznik account username")
	password := lflag.RequiredString("energa-password", "Energa Mój Licznik account password")
	deviceToken := lflag.String("energa-device-token", "", "Optional mobile push token echoed on login")
	baseURL := lflag.String("energa-base-url", defaultBaseURL, "Provider API base URL")
	timezone := lflag.String("energa-timezone", "Europe/Warsaw", "Installation time zone used for day bucketing")

	c := New(types.Credentials{})
	lflag.Do(func() {
		c.creds = types.Credentials{
			Username:    *username,
			Password:    *password,
			DeviceToken: *deviceToken,
		}
		c.baseURL = *baseURL
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid energa-timezone %q: %v", *timezone, err))
		}
		c.loc = loc
	})
	return c
}

// New creates a client for the given account credentials.
func New(creds types.Credentials, opts ...Option) *Client {
	c := &Client{
		client:  common.HTTPClient(defaultTimeout),
		baseURL: defaultBaseURL,
		creds:   creds,
		loc:     warsawLocation,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Location returns the installation's time zone.
func (c *Client) Location() *time.Location { return c.loc }

// DayStart returns local midnight of the day containing t.
func (c *Client) DayStart(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

type loginResponse struct {
	Success  bool   `json:"success"`
	Token    string `json:"token"`
	Response struct {
		Token string `json:"token"`
	} `json:"response"`
}

// Login establishes a session: a probe of SessionStatus followed by the
// credentials exchange. A provider-level rejection (success=false) is an
// *AuthError; transport failures are *ConnectionError. On success the token
// is cached when present — when absent the session rides on cookies alone.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

// Epoch returns the current session generation. Callers snapshot it before an
// authenticated call so that concurrent expiry observers coalesce into a
// single re-login via Relogin.
func (c *Client) Epoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Relogin re-authenticates after an observed session expiry. If another
// caller already re-logged since observed was taken, it is a no-op.
func (c *Client) Relogin(ctx context.Context, observed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != observed {
		return nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	// The official app always touches SessionStatus first; the body is
	// irrelevant but skipping the call has been seen to upset the backend.
	req, err := c.newGetRequest(ctx, sessionStatusPath, nil)
	if err != nil {
		return err
	}
	if resp, err := c.client.Do(req); err != nil {
		return &ConnectionError{Err: err}
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	params := url.Values{}
	params.Set("clientOS", "ios")
	params.Set("notifyService", "APNs")
	params.Set("username", c.creds.Username)
	params.Set("password", c.creds.Password)
	if c.creds.DeviceToken != "" {
		params.Set("token", c.creds.DeviceToken)
	}

	req, err = c.newGetRequest(ctx, userLoginPath, params)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Err: fmt.Errorf("login status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	var res loginResponse
	if err := json.Unmarshal(body, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode login response", slog.Any("error", err), slog.String("body", string(body)))
		return &SchemaError{What: "login body is not JSON"}
	}
	if !res.Success {
		log.Ctx(ctx).ErrorContext(ctx, "provider rejected login", slog.String("username", c.creds.Username))
		return &AuthError{Message: "provider returned success=false"}
	}

	token := res.Token
	if token == "" {
		token = res.Response.Token
	}
	c.token = token
	c.epoch++
	c.account = nil

	if token != "" {
		log.Ctx(ctx).DebugContext(ctx, "energa login success with token")
	} else {
		log.Ctx(ctx).DebugContext(ctx, "energa login success, cookie-only session")
	}
	return nil
}

func (c *Client) newGetRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

// get performs an authenticated GET. The token is attached as a query
// parameter when held; with a cookie-only session the jar carries the
// authentication. 401/403 surface as ErrSessionExpired without any internal
// retry — the caller owns the re-login decision.
func (c *Client) get(ctx context.Context, path string, params url.Values, dest interface{}) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if params == nil {
		params = url.Values{}
	}
	if token != "" {
		params.Set("token", token)
	}

	req, err := c.newGetRequest(ctx, path, params)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrSessionExpired
	default:
		return &ConnectionError{Err: fmt.Errorf("%s status %d", path, resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode provider response",
			slog.String("path", path), slog.Any("error", err), slog.String("body", truncate(string(body), 512)))
		return &SchemaError{What: path + " body did not decode"}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func epochMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
