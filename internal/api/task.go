package api

import (
	"context"
	"fmt"
)

// OutputCard is the message block shown on the task's page in place of a
// download link. The inactivity warning uses it.
type OutputCard struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	ZmdiIcon        string `json:"zmdiIcon,omitempty"`
	IconColor       string `json:"iconColor,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

// SetTaskOutputArchive points the task's output at an uploaded team file so
// the UI renders a download link for it.
func (c *Client) SetTaskOutputArchive(ctx context.Context, taskID, fileID int, title string) error {
	err := c.post(ctx, "tasks.output.set", map[string]interface{}{
		"taskId": taskID,
		"output": map[string]interface{}{
			"file": map[string]interface{}{
				"id":    fileID,
				"title": title,
			},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to set task %d output archive: %w", taskID, err)
	}

	return nil
}

// SetTaskOutputText replaces the task's output with a text card.
func (c *Client) SetTaskOutputText(ctx context.Context, taskID int, card OutputCard) error {
	err := c.post(ctx, "tasks.output.set", map[string]interface{}{
		"taskId": taskID,
		"output": map[string]interface{}{
			"text": card,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to set task %d output text: %w", taskID, err)
	}

	return nil
}
