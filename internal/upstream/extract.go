package upstream

import (
	"context"
)

// systemPrompt instructs the extraction engine to emit exactly one strict
// JSON object. The guardrail layer still treats the reply as untrusted.
const systemPrompt = `You are a strict JSON extractor.

Your task is to convert a natural language instruction into a single structured JSON object.

You MUST return exactly one valid JSON object with these keys (and no others):
- "to"
- "message"
- "type"

Output constraints:
1. The response must be valid JSON.
2. Do NOT include markdown or code blocks.
3. Do NOT include explanations, comments, or extra text.
4. Do NOT include additional keys.
5. Keys must be lowercase.
6. Use double quotes for all keys and string values.
7. "type" must be exactly "email" or "sms".

Extraction rules:
- If an email address is present, extract it as "to".
- If a phone number is present, extract it as "to".
- Never invent or fabricate a destination.
- If no valid destination can be confidently extracted, return:
  {"to":"","message":"","type":""}

Type rules:
- If "to" is an email address, "type" must be "email".
- If "to" is a phone number, "type" must be "sms".

Message rules:
- Extract the message text exactly as written by the user.
- Do NOT paraphrase or summarize.
- Trim leading and trailing whitespace.
- If no clear message is present, return an empty string in "message".

Return ONLY the JSON object and nothing else.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

// chatResponse mirrors the completion-style reply of the extraction engine.
// Only the first choice's content is consumed.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract asks the AI engine to convert userInput into a structured intent
// and returns the raw model text. An empty string is returned when the reply
// carries no choices; the caller's guardrail decides what to do with it.
func (c *Client) Extract(ctx context.Context, userInput string) (string, error) {
	payload := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userInput},
		},
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "extract", "/v1/ai/extract", c.extractTimeout, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
