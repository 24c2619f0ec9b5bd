package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// llamaGenerator talks to a llama.cpp server over its /completion endpoint.
// When started through StartLlamaServer it also owns the server process.
type llamaGenerator struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger

	cmd       *exec.Cmd
	exited    chan struct{}
	closeOnce sync.Once
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted,omitempty"`
	TokensEvaluated int    `json:"tokens_evaluated,omitempty"`
}

// NewLlamaClient returns a generator for a llama.cpp server that is already
// running at endpoint.
func NewLlamaClient(endpoint string, logger *slog.Logger) Generator {
	return newLlamaGenerator(endpoint, logger)
}

func newLlamaGenerator(endpoint string, logger *slog.Logger) *llamaGenerator {
	return &llamaGenerator{
		endpoint: endpoint,
		client:   &http.Client{},
		log:      logger.With(slog.String("component", "llama-server")),
	}
}

// StartLlamaServer launches server_command with modelPath loaded and waits
// until its health endpoint answers. Each launch listens on its own port:
// cfg.Port when it is free, otherwise one the kernel assigns, so a replacement
// engine never reaches a previous server that is still draining. The process
// is stopped by Close.
func StartLlamaServer(ctx context.Context, cfg config.FormattingConfig, modelPath string, logger *slog.Logger) (Generator, error) {
	base, err := splitCommand(cfg.ServerCommand)
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := freePort(host, cfg.Port)
	if err != nil {
		return nil, err
	}
	args := append(base[1:],
		"-m", modelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		"-ngl", strconv.Itoa(cfg.GPULayers),
		"-c", strconv.Itoa(cfg.ContextSize),
		"--log-disable",
	)

	g := newLlamaGenerator("http://"+net.JoinHostPort(host, strconv.Itoa(port)), logger)
	g.cmd = exec.Command(base[0], args...)
	g.exited = make(chan struct{})
	if err := g.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	go func() {
		_ = g.cmd.Wait()
		close(g.exited)
	}()
	g.log.Info("llama-server starting", slog.String("model", modelPath), slog.String("endpoint", g.endpoint))

	startup := time.Duration(cfg.StartupMS) * time.Millisecond
	if err := g.waitReady(ctx, startup); err != nil {
		_ = g.Close()
		return nil, err
	}
	g.log.Info("llama-server ready")
	return g, nil
}

func (g *llamaGenerator) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-g.exited:
			return errors.New("llama-server exited during startup")
		default:
		}
		if g.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("llama-server not ready after %s: %w", timeout, ctx.Err())
		case <-g.exited:
			return errors.New("llama-server exited during startup")
		case <-ticker.C:
		}
	}
}

// freePort returns preferred when nothing listens on it, otherwise a port
// picked by the kernel.
func freePort(host string, preferred int) (int, error) {
	if preferred > 0 {
		if ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(preferred))); err == nil {
			ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("reserve llama-server port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (g *llamaGenerator) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (g *llamaGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      req.Prompt,
		NPredict:    req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		CachePrompt: true,
	})
	if err != nil {
		return Completion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/completion", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Completion{}, fmt.Errorf("llama-server returned status %s", resp.Status)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode completion response: %w", err)
	}
	return Completion{
		Content:          out.Content,
		PromptTokens:     out.TokensEvaluated,
		CompletionTokens: out.TokensPredicted,
		Latency:          time.Since(start),
	}, nil
}

// Close stops the owned server process, if any.
func (g *llamaGenerator) Close() error {
	if g.cmd == nil || g.cmd.Process == nil {
		return nil
	}
	var err error
	g.closeOnce.Do(func() {
		_ = g.cmd.Process.Signal(os.Interrupt)
		select {
		case <-g.exited:
		case <-time.After(2 * time.Second):
			err = g.cmd.Process.Kill()
			<-g.exited
		}
		g.log.Info("llama-server stopped")
	})
	return err
}
