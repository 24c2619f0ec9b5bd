package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator pipes a JSON request to a command on stdin and reads a JSON
// response from stdout. The model path is exported to the command as
// LOQA_MODEL_PATH.
type execGenerator struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command, modelPath string) (Generator, error) {
	args, err := splitCommand(command)
	if err != nil {
		return nil, err
	}
	return &execGenerator{cmd: args, modelPath: modelPath}, nil
}

func splitCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse formatting command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("formatting command empty")
	}
	return args, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	})
	if err != nil {
		return Completion{}, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	if g.modelPath != "" {
		cmd.Env = append(cmd.Environ(), "LOQA_MODEL_PATH="+g.modelPath)
	}
	output, err := cmd.Output()
	if err != nil {
		return Completion{}, fmt.Errorf("formatting exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Completion{}, fmt.Errorf("decode formatting exec response: %w", err)
	}
	return Completion{
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}
