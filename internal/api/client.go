package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/model"
)

//go:generate mockgen -destination=mock/service.go -package=mock sudooom.im.client/internal/api Service

// REST 路径
const (
	PathUsers          = "/users"
	PathMarkSeen       = "/notifications/mark-seen"
	DefaultPathHistory = "/messages/{self}/{peer}"
)

// Service REST 协作方，所有请求都在 Authorization 头里携带原始凭证
type Service interface {
	ListUsers(ctx context.Context, credential string) ([]model.User, error)
	FetchHistory(ctx context.Context, credential string, self, peer model.ID) ([]model.Message, error)
	MarkSeen(ctx context.Context, credential string, ids []model.ID) error
}

// StatusError 非 2xx 响应
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

type markSeenRequest struct {
	NotificationIDs []model.ID `json:"notificationIds"`
}

// Client 基于 resty 的 REST 客户端
type Client struct {
	http        *resty.Client
	historyPath string
	logger      *zap.Logger
}

// NewClient 创建 REST 客户端
func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	historyPath := cfg.HistoryPath
	if historyPath == "" {
		historyPath = DefaultPathHistory
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount)
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}

	return &Client{
		http:        httpClient,
		historyPath: historyPath,
		logger:      logger,
	}
}

// ListUsers GET /users
func (c *Client) ListUsers(ctx context.Context, credential string) ([]model.User, error) {
	resp, err := c.request(ctx, credential).Get(PathUsers)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", PathUsers, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var users []model.User
	if err := json.Unmarshal(resp.Body(), &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// FetchHistory GET /messages/{self}/{peer}，服务端返回顺序不保证
func (c *Client) FetchHistory(ctx context.Context, credential string, self, peer model.ID) ([]model.Message, error) {
	resp, err := c.request(ctx, credential).
		SetPathParams(map[string]string{
			"self": self.String(),
			"peer": peer.String(),
		}).
		Get(c.historyPath)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", c.historyPath, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var msgs []model.Message
	if err := json.Unmarshal(resp.Body(), &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	c.logger.Debug("History fetched",
		zap.String("self", self.String()),
		zap.String("peer", peer.String()),
		zap.Int("count", len(msgs)))
	return msgs, nil
}

// MarkSeen POST /notifications/mark-seen，一次批量请求，成功与否只看状态码
func (c *Client) MarkSeen(ctx context.Context, credential string, ids []model.ID) error {
	resp, err := c.request(ctx, credential).
		SetHeader("Content-Type", "application/json").
		SetBody(markSeenRequest{NotificationIDs: ids}).
		Post(PathMarkSeen)
	if err != nil {
		return fmt.Errorf("POST %s: %w", PathMarkSeen, err)
	}
	return checkStatus(resp)
}

func (c *Client) request(ctx context.Context, credential string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", credential)
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	method, path := http.MethodGet, ""
	if resp.Request != nil {
		method = resp.Request.Method
		if resp.Request.RawRequest != nil {
			path = resp.Request.RawRequest.URL.Path
		}
	}
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode(),
		Body:   string(resp.Body()),
	}
}
