package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjoeboo/relay/internal/logging"
)

// ContentType is the kind of an outbound message.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentInteractive ContentType = "interactive"
)

// Client sends messages to the chat platform.
type Client interface {
	SendMessage(ctx context.Context, chatID, content string, typ ContentType) error
	SendFile(ctx context.Context, chatID, path string) error
	SendImage(ctx context.Context, chatID, urlOrPath string) error
	DownloadFile(ctx context.Context, messageID, fileKey, targetPath string) error
}

// HTTPClient implements Client against a JSON bot API:
//
//	POST {base}/messages                      {"chat_id","msg_type","content"}
//	POST {base}/files                         multipart: chat_id, file
//	POST {base}/images                        multipart: chat_id, image
//	GET  {base}/messages/{id}/resources/{key} raw bytes
type HTTPClient struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger
}

// NewHTTPClient creates a client. A nil httpClient uses a 30s timeout client.
func NewHTTPClient(apiBase, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		base:  strings.TrimRight(apiBase, "/"),
		token: token,
		http:  httpClient,
		log:   logging.ForComponent(logging.CompChat),
	}
}

type outboundMessage struct {
	ChatID  string `json:"chat_id"`
	MsgType string `json:"msg_type"`
	Content string `json:"content"`
}

// SendMessage posts text or a card. Text content is wrapped as {"text": ...}.
func (c *HTTPClient) SendMessage(ctx context.Context, chatID, content string, typ ContentType) error {
	if typ == ContentText {
		b, err := json.Marshal(map[string]string{"text": content})
		if err != nil {
			return err
		}
		content = string(b)
	}
	return c.postJSON(ctx, "/messages", outboundMessage{ChatID: chatID, MsgType: string(typ), Content: content})
}

// SendFile uploads a local file to the chat.
func (c *HTTPClient) SendFile(ctx context.Context, chatID, path string) error {
	return c.upload(ctx, "/files", "file", chatID, path)
}

// SendImage sends a remote image by URL or uploads a local one.
func (c *HTTPClient) SendImage(ctx context.Context, chatID, urlOrPath string) error {
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		b, err := json.Marshal(map[string]string{"url": urlOrPath})
		if err != nil {
			return err
		}
		return c.postJSON(ctx, "/messages", outboundMessage{ChatID: chatID, MsgType: "image", Content: string(b)})
	}
	return c.upload(ctx, "/images", "image", chatID, urlOrPath)
}

// DownloadFile saves a message attachment to targetPath.
func (c *HTTPClient) DownloadFile(ctx context.Context, messageID, fileKey, targetPath string) error {
	u := fmt.Sprintf("%s/messages/%s/resources/%s", c.base, url.PathEscape(messageID), url.PathEscape(fileKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", targetPath, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(targetPath)
		return fmt.Errorf("download %s: %w", fileKey, err)
	}
	return f.Close()
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) upload(ctx context.Context, path, field, chatID, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile(field, filepath.Base(file))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends req with auth and turns non-2xx responses into errors.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("chat_request_failed", slog.String("path", req.URL.Path), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		c.log.Warn("chat_request_rejected",
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	c.log.Debug("chat_request", slog.String("path", req.URL.Path), slog.Duration("took", time.Since(start)))
	return resp, nil
}
