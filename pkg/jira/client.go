package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

const devinfoBase = "/rest/devinfo/0.10"

// Options tunes a Client. Zero values pick defaults.
type Options struct {
	HTTPClient *http.Client
	Now        func() time.Time
	ChunkSize  int
}

// Client is the tracker devinfo client bound to one host and one GitHub
// installation. It holds no sync state; every call depends only on its inputs.
type Client struct {
	baseURL        string
	installationID int64
	http           *http.Client
	signer         Signer
	now            func() time.Time
	chunkSize      int

	Repositories  RepositoryService
	PullRequests  PullRequestService
	Branches      BranchService
	Installations InstallationService
	Migrations    MigrationService
	Issues        IssueService
}

// New returns a client for baseURL that signs every request with signer.
func New(baseURL string, installationID int64, signer Signer, opts Options) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		installationID: installationID,
		http:           opts.HTTPClient,
		signer:         signer,
		now:            opts.Now,
		chunkSize:      opts.ChunkSize,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.chunkSize <= 0 {
		c.chunkSize = IssueKeyChunkSize
	}
	c.Repositories = &repositoryService{client: c}
	c.PullRequests = &pullRequestService{client: c}
	c.Branches = &branchService{client: c}
	c.Installations = &installationService{client: c}
	c.Migrations = &migrationService{client: c}
	c.Issues = &issueService{client: c}
	return c
}

// NewForInstallation binds a client to a credential record directly.
func NewForInstallation(inst *storage.Installation, appKey string, installationID int64, opts Options) (*Client, error) {
	if inst == nil {
		return nil, errors.New("installation is required")
	}
	if inst.JiraHost == "" {
		return nil, errors.New("installation has no jira host")
	}
	return New(inst.JiraHost, installationID, NewConnectSigner(appKey, inst.SharedSecret), opts), nil
}

// BaseURL returns the tracker host the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// InstallationID returns the GitHub installation the client reports for.
func (c *Client) InstallationID() int64 {
	return c.installationID
}

// CredentialLookup resolves the active credential for a host.
type CredentialLookup interface {
	GetByHost(ctx context.Context, host string) (*storage.Installation, error)
}

// Factory builds clients from the credential registry.
type Factory struct {
	Installations CredentialLookup
	AppKey        string
	Options       Options
}

// ForHost resolves the enabled installation for host and binds a client to it.
// A host with no enabled installation yields an error wrapping storage.ErrNotFound.
func (f Factory) ForHost(ctx context.Context, installationID int64, host string) (*Client, error) {
	if f.Installations == nil {
		return nil, errors.New("credential lookup is required")
	}
	inst, err := f.Installations.GetByHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("jira host %s: %w", host, err)
	}
	return NewForInstallation(inst, f.AppKey, installationID, f.Options)
}

// Probe issues the lightweight existence query used to check credentials.
func (c *Client) Probe(ctx context.Context) error {
	query := url.Values{}
	query.Set("fakeProperty", "1")
	return c.do(ctx, http.MethodGet, devinfoBase+"/existsByProperties", query, nil, nil)
}

func (c *Client) sequenceQuery() url.Values {
	query := url.Values{}
	query.Set("_updateSequenceId", fmt.Sprintf("%d", c.now().UnixMilli()))
	return query
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return fmt.Errorf("sign jira request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
