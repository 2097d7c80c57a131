package models

import "testing"

func TestWorkItemStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status WorkItemStatus
		want   bool
	}{
		{WorkItemPending, false},
		{WorkItemRunning, false},
		{WorkItemCompleted, true},
		{WorkItemFailed, true},
		{WorkItemCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("WorkItemStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestContentBlock_ToolResultReferencesToolUse(t *testing.T) {
	use := ContentBlock{Type: ContentBlockToolUse, ToolUseID: "call_1", ToolName: "core.exec"}
	result := ContentBlock{Type: ContentBlockToolResult, ToolResultFor: use.ToolUseID, ToolResultContent: "ok"}

	if result.ToolResultFor != use.ToolUseID {
		t.Fatalf("tool_result.tool_result_for = %q, want %q", result.ToolResultFor, use.ToolUseID)
	}
}
