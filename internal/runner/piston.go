package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultPistonURL = "https://emkc.org/api/v2/piston"

// Piston runs jobs on a remote Piston-compatible execution API. It is a
// single request/response round trip: output arrives in one piece and
// input cannot be forwarded while the program runs.
type Piston struct {
	BaseURL string
	Client  *http.Client
}

func NewPiston(baseURL string, client *http.Client) *Piston {
	if baseURL == "" {
		baseURL = DefaultPistonURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Piston{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: client}
}

func (p *Piston) Interactive() bool { return false }

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Compile  *pistonStage `json:"compile"`
	Run      *pistonStage `json:"run"`
	Message  string       `json:"message"`
}

func (p *Piston) Execute(ctx context.Context, job *Job) (int, error) {
	runtime := job.Language.Piston
	if runtime == "" {
		runtime = job.Language.Name
	}

	body, err := json.Marshal(pistonRequest{
		Language: runtime,
		Version:  "*",
		Files:    []pistonFile{{Name: job.Language.File, Content: job.Source}},
		Stdin:    job.Stdin,
	})
	if err != nil {
		return -1, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")

	job.enter(PhaseRunning)
	resp, err := p.Client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("execution service unavailable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return -1, fmt.Errorf("read execution response: %w", err)
	}

	var result pistonResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return -1, fmt.Errorf("execution service returned %s", resp.Status)
		}
		return -1, fmt.Errorf("decode execution response: %w", err)
	}

	if result.Compile != nil && result.Compile.Code != nil && *result.Compile.Code != 0 {
		out := result.Compile.Stderr
		if out == "" {
			out = result.Compile.Output
		}
		return -1, &CompileError{Output: out}
	}

	if resp.StatusCode != http.StatusOK && result.Run == nil {
		msg := result.Message
		if msg == "" {
			msg = resp.Status
		}
		return -1, fmt.Errorf("execution service: %s", msg)
	}

	code := 0
	output := result.Message
	if run := result.Run; run != nil {
		switch {
		case run.Stdout != "":
			output = run.Stdout
		case run.Stderr != "":
			output = run.Stderr
		}
		if run.Code != nil {
			code = *run.Code
		} else if run.Signal != nil {
			code = -1
		}
	}
	if output == "" {
		output = "No output"
	}

	if job.Emit != nil {
		job.Emit(output)
	}
	return code, nil
}
