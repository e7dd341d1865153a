package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
)

// maxResponseBytes caps response bodies read from the server.
const maxResponseBytes = 4 << 20

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Revision is a stored revision as returned by Append.
type Revision struct {
	TableName  string                   `json:"table_name"`
	DocumentID string                   `json:"document_id"`
	Address    verifier.BlockAddress    `json:"block_address"`
	Fields     canonical.RevisionFields `json:"metadata"`
	Data       any                      `json:"data"`
	Hash       hash.Hash                `json:"hash"`
}

// VerifyResult is the server's answer to a verification request.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Receipt  string `json:"receipt,omitempty"`
}

// Client talks to a ledgerd server. It implements verifier.LedgerSource, so
// a local Verifier can check bundles against a remote ledger.
type Client struct {
	base        string
	httpClient  *http.Client
	cache       *digestCache
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of ledger digests with the given TTL.
// A cached digest may lag the ledger by up to ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newDigestCache(ttl)
		return nil
	}
}

// WithBearerToken attaches token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the server at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithCacheTTL(5*time.Second),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("client: base URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Ledger implements verifier.LedgerSource. The returned handle also
// implements verifier.Locator and verifier.DigestRefresher.
func (c *Client) Ledger(_ context.Context, name string) (verifier.Ledger, error) {
	return &remoteLedger{c: c, name: name}, nil
}

// Digest returns the current digest of ledger name, from the cache when one
// is configured and fresh.
func (c *Client) Digest(ctx context.Context, name string) (*verifier.LedgerDigest, error) {
	if c.cache != nil {
		if d, ok := c.cache.get(name); ok {
			return d, nil
		}
	}
	return c.RefreshDigest(ctx, name)
}

// RefreshDigest fetches the current digest of ledger name from the server,
// bypassing and then updating the cache.
func (c *Client) RefreshDigest(ctx context.Context, name string) (*verifier.LedgerDigest, error) {
	var d verifier.LedgerDigest
	if err := c.getJSON(ctx, c.ledgerPath(name, "digest"), &d); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(name, &d)
	}
	return &d, nil
}

// Revision returns the revision at addr with its proof against tip.
func (c *Client) Revision(ctx context.Context, name, documentID string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	q := url.Values{}
	q.Set("strand", addr.StrandID)
	q.Set("seq", strconv.FormatUint(addr.SequenceNo, 10))
	q.Set("tipStrand", tip.StrandID)
	q.Set("tipSeq", strconv.FormatUint(tip.SequenceNo, 10))

	var rev verifier.FetchedRevision
	if err := c.getJSON(ctx, c.ledgerPath(name, "revisions", documentID)+"?"+q.Encode(), &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// Capture asks the server for a verification bundle for the latest revision
// of documentID.
func (c *Client) Capture(ctx context.Context, name, documentID string) (*verifier.RevisionMetadata, error) {
	var md verifier.RevisionMetadata
	if err := c.getJSON(ctx, c.ledgerPath(name, "documents", documentID), &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Tables lists the tables of ledger name.
func (c *Client) Tables(ctx context.Context, name string) ([]string, error) {
	var resp struct {
		Tables []string `json:"tables"`
	}
	if err := c.getJSON(ctx, c.ledgerPath(name, "tables"), &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// Append records data as a new revision of documentID in table. An empty
// documentID creates a new document.
func (c *Client) Append(ctx context.Context, name, table, documentID string, data any) (*Revision, error) {
	body := map[string]any{"data": data}
	if documentID != "" {
		body["document_id"] = documentID
	}
	var rev Revision
	if err := c.postJSON(ctx, c.ledgerPath(name, "tables", table, "documents"), body, &rev); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.drop(name)
	}
	return &rev, nil
}

// Verify asks the server to verify md. A metadata mismatch is returned as a
// *verifier.MismatchError.
func (c *Client) Verify(ctx context.Context, md verifier.RevisionMetadata) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.postJSON(ctx, "/api/v1/verify", md, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Recompute asks the server to fold chain into leaf. It returns the candidate
// digest and every intermediate value.
func (c *Client) Recompute(ctx context.Context, leaf hash.Hash, chain proof.Chain) (hash.Hash, []hash.Hash, error) {
	var resp struct {
		Digest hash.Hash   `json:"digest"`
		Steps  []hash.Hash `json:"steps"`
	}
	body := map[string]any{"leaf": leaf, "proof": chain}
	if err := c.postJSON(ctx, "/api/v1/recompute", body, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Digest, resp.Steps, nil
}

func (c *Client) ledgerPath(name string, parts ...string) string {
	p := "/api/v1/ledgers/" + url.PathEscape(name)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decodeBody(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decodeBody(body, out)
}

// decodeBody keeps document numbers as json.Number so content re-hashed on
// this side matches what the server hashed.
func decodeBody(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 300 {
		return body, nil
	}

	var e struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	_ = json.Unmarshal(body, &e)
	if e.Error == "" {
		e.Error = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, req.URL.Path, e.Error)
	case resp.StatusCode == http.StatusConflict && e.Field != "":
		return nil, &verifier.MismatchError{Field: e.Field, Fetched: e.Error}
	default:
		return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
}

// remoteLedger is one named ledger on the server.
type remoteLedger struct {
	c    *Client
	name string
}

func (l *remoteLedger) FetchRevision(ctx context.Context, documentID string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	return l.c.Revision(ctx, l.name, documentID, addr, tip)
}

func (l *remoteLedger) FetchDigest(ctx context.Context) (*verifier.LedgerDigest, error) {
	return l.c.Digest(ctx, l.name)
}

func (l *remoteLedger) RefreshDigest(ctx context.Context) (*verifier.LedgerDigest, error) {
	return l.c.RefreshDigest(ctx, l.name)
}

func (l *remoteLedger) Locate(ctx context.Context, documentID string) (*verifier.Location, error) {
	md, err := l.c.Capture(ctx, l.name, documentID)
	if err != nil {
		return nil, err
	}
	return &verifier.Location{TableName: md.TableName, BlockAddress: md.BlockAddress}, nil
}

// --- simple in-memory digest cache ---

type cacheEntry struct {
	digest    *verifier.LedgerDigest
	expiresAt time.Time
}

type digestCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newDigestCache(ttl time.Duration) *digestCache {
	return &digestCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (dc *digestCache) get(key string) (*verifier.LedgerDigest, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	e, ok := dc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.digest, true
}

func (dc *digestCache) set(key string, d *verifier.LedgerDigest) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[key] = &cacheEntry{digest: d, expiresAt: time.Now().Add(dc.ttl)}
}

func (dc *digestCache) drop(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.entries, key)
}
