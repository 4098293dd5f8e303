// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"fmt"
	"os"
	"strings"
)

// BaseSystemPrompt is sent with every completion request.
const BaseSystemPrompt = `You are the Retreaver Assistant, an agent that helps users manage their Retreaver call-tracking account.

You have access to tools that can read and write Retreaver resources such as campaigns, targets, affiliates, numbers, number pools, contacts, caller lists and target groups.

Your Identity:
- Be concise and helpful.
- When listing resources, summarise key fields rather than dumping raw JSON.
- Always confirm before performing destructive operations (delete).
- If a tool call fails, explain the error clearly and suggest a fix.
`

// LoadSystemPrompt returns the base prompt with the context guide at
// guidePath appended. A missing or blank guide leaves the base prompt as is.
func LoadSystemPrompt(guidePath string) (string, error) {
	if guidePath == "" {
		return BaseSystemPrompt, nil
	}
	raw, err := os.ReadFile(guidePath)
	if err != nil {
		if os.IsNotExist(err) {
			return BaseSystemPrompt, nil
		}
		return "", fmt.Errorf("failed to read context guide: %w", err)
	}
	guide := strings.TrimSpace(string(raw))
	if guide == "" {
		return BaseSystemPrompt, nil
	}
	return BaseSystemPrompt + "\n" + guide + "\n", nil
}
