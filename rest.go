package nexasync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	restPathPrefix        = "/rest/v1/"
)

// ============================================================================
// HTTP client shared by the REST store and the HTTP uploader
// ============================================================================

type apiClient struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
}

// HTTPOption configures the HTTP-based adapters.
type HTTPOption func(*apiClient)

func WithAPIKey(key string) HTTPOption {
	return func(c *apiClient) { c.apiKey = key }
}

// WithBearerToken sets the user token sent as Authorization. Without
// one the API key is used.
func WithBearerToken(token string) HTTPOption {
	return func(c *apiClient) { c.token = token }
}

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *apiClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *apiClient) { c.httpClient = client }
}

func newAPIClient(baseURL string, opts []HTTPOption) *apiClient {
	c := &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (c *apiClient) setAuthHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doRequest sends a JSON request and maps failures onto the error
// taxonomy: transport errors are network errors, status >= 400 is
// classified by ClassifyStatus.
func (c *apiClient) doRequest(ctx context.Context, op, method, path string, query url.Values, body any, header http.Header) (*apiResponse, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, validationError(op, "encode request: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, validationError(op, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(op, resp.StatusCode, data)
	}
	return &apiResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// apiError decodes {"code","message"} or {"error":{...}} bodies.
func apiError(op string, status int, body []byte) error {
	e := &Error{Kind: ClassifyStatus(status), Op: op, StatusCode: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		if nested := r.Get("error"); nested.IsObject() {
			r = nested
		}
		e.Code = r.Get("code").String()
		e.Message = r.Get("message").String()
		if e.Message == "" {
			e.Message = r.Get("error").String()
		}
	}
	if e.Message == "" && len(body) > 0 {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// ============================================================================
// RESTStore
// ============================================================================

// RESTStore is a ResourceStore over a PostgREST-style HTTP API:
//
//	GET    /rest/v1/messages?conversation_id=eq.c1&order=created_at.desc&limit=20&offset=20
//	POST   /rest/v1/messages
//	PATCH  /rest/v1/conversations?id=eq.c1
//	DELETE /rest/v1/messages?id=eq.m1
//
// The total count comes from the Content-Range header.
type RESTStore struct {
	api *apiClient
}

// NewRESTStore creates a store rooted at baseURL.
func NewRESTStore(baseURL string, opts ...HTTPOption) *RESTStore {
	return &RESTStore{api: newAPIClient(baseURL, opts)}
}

// SetToken replaces the user token, e.g. after a session refresh.
func (s *RESTStore) SetToken(token string) { s.api.token = token }

func filterValues(filters Filters) url.Values {
	v := url.Values{}
	for _, f := range filters {
		val := f.Value
		if f.Op == OpIn {
			val = "(" + f.Value + ")"
		}
		v.Add(f.Field, string(f.Op)+"."+val)
	}
	return v
}

func (s *RESTStore) Select(ctx context.Context, q Query) (Page[json.RawMessage], error) {
	if q.Resource == "" {
		return Page[json.RawMessage]{}, validationError("select", "resource is required")
	}
	params := filterValues(q.Filters)
	params.Set("select", "*")
	if q.Sort.Field != "" {
		params.Set("order", q.Sort.String())
	}
	if q.PageSize > 0 {
		params.Set("limit", strconv.Itoa(q.PageSize))
	}
	switch {
	case q.Offset > 0:
		params.Set("offset", strconv.Itoa(q.Offset))
	case q.Cursor != "" && (q.Sort.Field == "" || q.Sort.Field == "id"):
		// Keyset continuation only works when rows are ordered by id.
		op := OpGt
		if q.Sort.Desc {
			op = OpLt
		}
		params.Add("id", string(op)+"."+q.Cursor)
	}

	resp, err := s.api.doRequest(ctx, "select", http.MethodGet, restPathPrefix+q.Resource, params, nil,
		http.Header{"Prefer": {"count=exact"}})
	if err != nil {
		return Page[json.RawMessage]{}, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(resp.body, &items); err != nil {
		return Page[json.RawMessage]{}, &Error{Kind: KindValidation, Op: "select " + q.Resource, Message: "decode rows", Err: err}
	}
	return Page[json.RawMessage]{Items: items, Total: parseContentRange(resp.header.Get("Content-Range"))}, nil
}

// parseContentRange reads the total from "0-19/57". "*" means unknown.
func parseContentRange(v string) *int {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return nil
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return nil
	}
	return &n
}

func (s *RESTStore) Insert(ctx context.Context, resource string, row any) (json.RawMessage, error) {
	resp, err := s.api.doRequest(ctx, "insert", http.MethodPost, restPathPrefix+resource, nil, row,
		http.Header{"Prefer": {"return=representation"}})
	if err != nil {
		return nil, err
	}
	return representation(resp.body), nil
}

func (s *RESTStore) Update(ctx context.Context, resource string, filters Filters, patch any) (json.RawMessage, error) {
	if len(filters) == 0 {
		return nil, validationError("update", "refusing to update every row of %s", resource)
	}
	resp, err := s.api.doRequest(ctx, "update", http.MethodPatch, restPathPrefix+resource, filterValues(filters), patch,
		http.Header{"Prefer": {"return=representation"}})
	if err != nil {
		return nil, err
	}
	return representation(resp.body), nil
}

func (s *RESTStore) Delete(ctx context.Context, resource string, filters Filters) error {
	if len(filters) == 0 {
		return validationError("delete", "refusing to delete every row of %s", resource)
	}
	_, err := s.api.doRequest(ctx, "delete", http.MethodDelete, restPathPrefix+resource, filterValues(filters), nil, nil)
	return err
}

// representation returns the last row of an array response, or the body
// itself when it is a single object.
func representation(body []byte) json.RawMessage {
	r := gjson.ParseBytes(body)
	if r.IsArray() {
		rows := r.Array()
		if len(rows) == 0 {
			return nil
		}
		return json.RawMessage(rows[len(rows)-1].Raw)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.RawMessage(body)
}
