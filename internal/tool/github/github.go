package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"OpenMCP-Orchestrator/internal/tool"
)

// ID 是仓库搜索工具在注册表中的标识。
const ID = "github.search_repos"

const (
	defaultLimit = 3
	maxLimit     = 20
)

// Config 描述 GitHub 访问参数，Token 可为空（匿名访问配额较低）。
type Config struct {
	Token          string
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// Tool 按关键字搜索仓库并按 star 数排序。
type Tool struct {
	client   *gh.Client
	limiter  *rate.Limiter
	sanitize *bluemonday.Policy
}

// New 构造仓库搜索工具。
func New(ctx context.Context, cfg Config) (*Tool, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = timeout
	}
	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = parsed
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 0.5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Tool{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		sanitize: bluemonday.StrictPolicy(),
	}, nil
}

// Contract 实现 tool.Tool。
func (t *Tool) Contract() tool.Contract {
	return tool.Contract{
		ID:          ID,
		Description: "Search public GitHub repositories by keyword, most starred first.",
		Params: []tool.Param{
			{Name: "query", Type: tool.TypeString, Required: true, Description: "GitHub search query, e.g. \"language:go orchestration\"."},
			{Name: "limit", Type: tool.TypeInteger, Default: defaultLimit, Description: "Number of repositories to return (1-20)."},
		},
		Output: []tool.Field{
			{Name: "repositories", Type: tool.TypeArray, Description: "Items with name, stars, url and description."},
		},
	}
}

// Invoke 实现 tool.Tool。
func (t *Tool) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := strings.TrimSpace(tool.String(input, "query"))
	if query == "" {
		return nil, tool.Rejected(ID, nil, "搜索关键字不能为空")
	}
	limit := tool.Int(input, "limit", defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, tool.Unavailable(ID, err, "等待限流令牌失败")
	}

	result, resp, err := t.client.Search.Repositories(ctx, query, &gh.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: gh.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, classify(err, resp)
	}

	repos := make([]any, 0, limit)
	for _, repo := range result.Repositories {
		if len(repos) == limit {
			break
		}
		repos = append(repos, map[string]any{
			"name":        repo.GetFullName(),
			"stars":       repo.GetStargazersCount(),
			"url":         repo.GetHTMLURL(),
			"description": strings.TrimSpace(t.sanitize.Sanitize(repo.GetDescription())),
		})
	}
	return map[string]any{"repositories": repos}, nil
}

func classify(err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return tool.Unavailable(ID, err, "GitHub 限流")
	}
	if errors.Is(err, context.Canceled) {
		return tool.Rejected(ID, err, "请求已取消")
	}
	if resp == nil || resp.Response == nil {
		return tool.Unavailable(ID, err, "GitHub 请求失败")
	}
	switch status := resp.StatusCode; {
	case status == http.StatusTooManyRequests || status >= 500:
		return tool.Unavailable(ID, err, "GitHub 暂不可用")
	case status == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		return tool.Unavailable(ID, err, "GitHub 限流")
	default:
		return tool.Rejected(ID, err, "GitHub 拒绝请求")
	}
}
