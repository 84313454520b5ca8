package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const feedReadLimit = 4 << 20

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	case ErrClosed:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// HTTPStore talks to a sitesync server. Requests are retried with backoff on
// transport errors, 429 and 5xx; the change feed is a websocket.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPStore) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	params := url.Values{}
	for key, value := range q.Where {
		params.Set(key, valueText(value))
	}
	if q.OrderBy != "" {
		params.Set("order", q.OrderBy)
		if q.Desc {
			params.Set("desc", "true")
		}
	}
	path := recordsPath(collection)
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Records == nil {
		resp.Records = []Record{}
	}
	return resp.Records, nil
}

func (c *HTTPStore) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	var out Record
	if err := c.doJSON(ctx, http.MethodGet, recordPath(collection, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPStore) Insert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	var out Record
	if err := c.doJSON(ctx, http.MethodPost, recordsPath(collection), record, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPStore) Update(ctx context.Context, collection, id string, fields Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	var out Record
	if err := c.doJSON(ctx, http.MethodPatch, recordPath(collection, id), fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	id := record.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: upsert requires an id", ErrInvalidInput)
	}
	var out Record
	if err := c.doJSON(ctx, http.MethodPut, recordPath(collection, id), record, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, recordPath(collection, id), nil, nil)
}

// Subscribe dials the websocket feed. ctx bounds the handshake and the
// subscription lifetime.
func (c *HTTPStore) Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	feedURL, err := c.feedURL(collection, kinds)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	headers.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, feedURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(feedReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(ctx, collection, kinds, func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	go func() {
		for {
			var ev Event
			if err := wsjson.Read(readCtx, conn, &ev); err != nil {
				sub.fail(err)
				return
			}
			if !sub.deliver(ev) {
				return
			}
		}
	}()
	return sub, nil
}

func (c *HTTPStore) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPStore) feedURL(collection string, kinds []EventKind) (string, error) {
	parsed, err := url.Parse(c.baseURL + feedPath(collection))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	if len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			names = append(names, string(kind))
		}
		q := parsed.Query()
		q.Set("kinds", strings.Join(names, ","))
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func (c *HTTPStore) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func recordsPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/records"
}

func recordPath(collection, id string) string {
	return recordsPath(collection) + "/" + url.PathEscape(id)
}

func feedPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/feed"
}

func correlationID() string {
	return "sitesync_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
