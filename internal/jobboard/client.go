package jobboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// Identity 外部系统验证令牌后返回的身份信息
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// JobPost 外部系统的职位信息
type JobPost struct {
	Title        string `json:"title"`
	CompanyTitle string `json:"company_title"`
	Link         string `json:"link"`
	ViewCount    int    `json:"view_count"`
	LastViewed   string `json:"last_viewed"`
}

// ViewStats 浏览计数结果
type ViewStats struct {
	ViewCount  int    `json:"view_count"`
	LastViewed string `json:"last_viewed"`
}

// Client 外部职位系统(Rails侧)的REST客户端。
// 令牌验证、职位信息、浏览计数都由该系统持有，本服务只做同步转发。
type Client struct {
	// Rails API地址，例如 http://localhost:3000
	apiURL string
	// 前端站点地址，用于拼接职位详情链接
	baseURL string
	// HTTP客户端，可配置超时等参数
	client *http.Client
	// 日志记录
	logger *log.Logger
}

// Option 定义配置选项函数
type Option func(*Client)

// WithHTTPClient 配置自定义HTTP客户端
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.client = httpClient
	}
}

// WithTimeout 配置HTTP客户端超时时间
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = timeout
	}
}

// WithLogger 配置自定义日志记录器
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient 创建职位系统客户端
func NewClient(apiURL, baseURL string, options ...Option) *Client {
	c := &Client{
		apiURL:  strings.TrimRight(apiURL, "/"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second, // 职位详情请求的默认超时
		},
		logger: log.New(os.Stderr, "[JobBoard] ", log.LstdFlags),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// ValidateToken 将访问令牌提交给外部系统验证。
// 每个受保护请求都会同步调用一次，不做任何缓存。
// 验证不通过（网络失败或非200）时返回 (nil, nil)，由调用方统一按无效令牌处理。
func (c *Client) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return nil, fmt.Errorf("序列化令牌验证请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/validate_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建令牌验证请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Printf("令牌验证请求失败: %v", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		c.logger.Printf("解析令牌验证响应失败: %v", err)
		return nil, nil
	}

	return &identity, nil
}

// GetJobPost 获取职位原始信息，供状态合并接口使用
func (c *Client) GetJobPost(ctx context.Context, jobID string) (*JobPost, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/job_posts/%s", c.apiURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("构建职位查询请求失败: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("查询职位 %s 失败: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("查询职位 %s 失败: 上游返回状态码 %d", jobID, resp.StatusCode)
	}

	var post JobPost
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return nil, fmt.Errorf("解析职位 %s 响应失败: %w", jobID, err)
	}

	return &post, nil
}

// IncrementViewCount 代理一次浏览计数自增
func (c *Client) IncrementViewCount(ctx context.Context, jobID string) (*ViewStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/job_posts/%s/increment_view_count", c.apiURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("构建浏览计数请求失败: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("更新职位 %s 浏览计数失败: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("更新职位 %s 浏览计数失败: 上游返回状态码 %d", jobID, resp.StatusCode)
	}

	var stats ViewStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("解析职位 %s 浏览计数响应失败: %w", jobID, err)
	}

	return &stats, nil
}

// GetJobDetails 获取职位标题和详情链接，用于丰富通知内容。
// 任何网络失败或非2xx状态只记录日志并返回空值对，绝不向调用方抛出。
func (c *Client) GetJobDetails(ctx context.Context, jobID string) (title, link string) {
	post, err := c.GetJobPost(ctx, jobID)
	if err != nil {
		c.logger.Printf("获取职位 %s 详情失败: %v", jobID, err)
		return "", ""
	}

	slug := Slugify(post.Title, post.CompanyTitle)
	return post.Title, fmt.Sprintf("%s/job-posts#%s", c.baseURL, slug)
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^\w\-]`)
	multiDashRe  = regexp.MustCompile(`\-\-+`)
)

// Slugify 将职位标题和公司名组合为URL片段：
// 小写、空白转连字符、去掉非单词字符、折叠重复连字符、修剪首尾连字符。
// 对自身输出再次调用结果不变。
func Slugify(jobTitle, companyName string) string {
	text := strings.ToLower(jobTitle + " " + companyName)
	text = whitespaceRe.ReplaceAllString(text, "-")
	text = nonWordRe.ReplaceAllString(text, "")
	text = multiDashRe.ReplaceAllString(text, "-")
	return strings.Trim(text, "-")
}
