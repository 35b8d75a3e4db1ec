package assistant

import (
	"context"
	"fmt"
	"strings"
)

const (
	chatSystem = "You are a helpful programming assistant inside a collaborative code editor. " +
		"Answer clearly and keep code samples short."

	explainSystem = "You explain code to developers. Walk through what the code does, " +
		"step by step, and point out anything surprising."

	documentSystem = "You write documentation for source code. Produce a short overview " +
		"followed by a description of each function, its parameters and its return value. " +
		"Use Markdown."

	debugSystem = "You are a code debugger. Be extremely concise. Only identify errors and " +
		"provide direct fixes. No explanations, no fluff. Maximum 3-4 sentences."
)

// Chat answers a free-form question, optionally about the room's code.
func (c *Client) Chat(ctx context.Context, question, code, language string) Reply {
	var b strings.Builder
	b.WriteString(question)
	if strings.TrimSpace(code) != "" {
		fmt.Fprintf(&b, "\n\nCurrent %s code:\n```%s\n%s\n```", languageName(language), language, code)
	}
	return c.Complete(ctx, chatSystem, b.String())
}

func (c *Client) Explain(ctx context.Context, code, language string) Reply {
	user := fmt.Sprintf("Explain this %s code:\n```%s\n%s\n```", languageName(language), language, code)
	return c.Complete(ctx, explainSystem, user)
}

func (c *Client) Document(ctx context.Context, code, language string) Reply {
	user := fmt.Sprintf("Write documentation for this %s code:\n```%s\n%s\n```", languageName(language), language, code)
	return c.Complete(ctx, documentSystem, user)
}

// Debug looks for errors in code given the last run output.
func (c *Client) Debug(ctx context.Context, code, language, output, question string) Reply {
	if output == "" {
		output = "No specific error"
	}
	if question == "" {
		question = "Find and fix errors"
	}
	user := fmt.Sprintf(`Focus ONLY on errors and solutions for this %s code:

CODE:
%s

ERROR OUTPUT:
%s

USER QUESTION: %s

Only provide the specific errors found, the exact fixes needed and minimal code corrections.
Keep the response under 200 words.`, languageName(language), code, output, question)

	return c.CompleteWith(ctx, debugSystem, user, Options{Temperature: 0.1, MaxTokens: 300})
}

func languageName(language string) string {
	if language == "" {
		return "source"
	}
	return language
}
