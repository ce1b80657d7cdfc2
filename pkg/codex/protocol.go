package codex

// Codex method names (client → server)
const (
	MethodInitialize              = "initialize"
	MethodInitialized             = "initialized" // Notification
	MethodNewConversation         = "newConversation"
	MethodAddConversationListener = "addConversationListener"
	MethodSendUserMessage         = "sendUserMessage"
	MethodInterruptConversation   = "interruptConversation"
	MethodGetUserAgent            = "getUserAgent"
)

// Server notification methods
const (
	// EventMethodPrefix prefixes legacy event notifications: codex/event/<type>.
	EventMethodPrefix       = "codex/event/"
	NotifySessionConfigured = "sessionConfigured"
)

// Server-initiated requests the client must answer
const (
	MethodExecCommandApproval      = "execCommandApproval"
	MethodApplyPatchApproval       = "applyPatchApproval"
	MethodCommandExecutionApproval = "item/commandExecution/requestApproval"
	MethodFileChangeApproval       = "item/fileChange/requestApproval"
)

// Approval policies accepted by newConversation.
const (
	ApprovalUntrusted = "untrusted"
	ApprovalOnFailure = "on-failure"
	ApprovalOnRequest = "on-request"
	ApprovalNever     = "never"
)

// Sandbox modes accepted by newConversation.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// NewConversationParams for newConversation. Every field is optional.
type NewConversationParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// NewConversationResult from newConversation
type NewConversationResult struct {
	ConversationID string `json:"conversationId"`
	Model          string `json:"model,omitempty"`
	RolloutPath    string `json:"rolloutPath,omitempty"`
}

// AddConversationListenerParams for addConversationListener
type AddConversationListenerParams struct {
	ConversationID string `json:"conversationId"`
}

// AddConversationListenerResult from addConversationListener
type AddConversationListenerResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

// InputItem is one element of a user message.
type InputItem struct {
	Type string        `json:"type"` // "text"
	Data InputItemData `json:"data"`
}

// InputItemData carries the payload of an InputItem.
type InputItemData struct {
	Text string `json:"text"`
}

// TextItem returns a text InputItem.
func TextItem(text string) InputItem {
	return InputItem{Type: "text", Data: InputItemData{Text: text}}
}

// SendUserMessageParams for sendUserMessage
type SendUserMessageParams struct {
	ConversationID string      `json:"conversationId"`
	Items          []InputItem `json:"items"`
}

// InterruptConversationParams for interruptConversation
type InterruptConversationParams struct {
	ConversationID string `json:"conversationId"`
}

// InterruptConversationResult from interruptConversation
type InterruptConversationResult struct {
	AbortReason string `json:"abortReason,omitempty"`
}

// ExecCommandApprovalParams is sent with execCommandApproval.
type ExecCommandApprovalParams struct {
	ConversationID string   `json:"conversationId"`
	CallID         string   `json:"callId"`
	Command        []string `json:"command"`
	Cwd            string   `json:"cwd"`
	Reason         string   `json:"reason,omitempty"`
}

// FileChangeSummary describes one file touched by a patch.
type FileChangeSummary struct {
	Type        string `json:"type,omitempty"` // "add", "delete", "update"
	Content     string `json:"content,omitempty"`
	UnifiedDiff string `json:"unified_diff,omitempty"`
	MovePath    string `json:"move_path,omitempty"`
}

// ApplyPatchApprovalParams is sent with applyPatchApproval.
type ApplyPatchApprovalParams struct {
	ConversationID string                       `json:"conversationId"`
	CallID         string                       `json:"callId"`
	FileChanges    map[string]FileChangeSummary `json:"fileChanges"`
	Reason         string                       `json:"reason,omitempty"`
	GrantRoot      string                       `json:"grantRoot,omitempty"`
}

// CommandApprovalParams is sent with item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams is sent with item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path,omitempty"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// ReviewDecision is the legacy approval vocabulary.
type ReviewDecision string

const (
	DecisionApproved           ReviewDecision = "approved"
	DecisionApprovedForSession ReviewDecision = "approved_for_session"
	DecisionDenied             ReviewDecision = "denied"
	DecisionAbort              ReviewDecision = "abort"
)

// ApprovalResponse answers execCommandApproval and applyPatchApproval.
type ApprovalResponse struct {
	Decision ReviewDecision `json:"decision"`
}

// v2 approval decisions
const (
	ApprovalDecisionAccept           = "accept"
	ApprovalDecisionAcceptForSession = "acceptForSession"
	ApprovalDecisionDecline          = "decline"
	ApprovalDecisionCancel           = "cancel"
)

// ItemApprovalResponse answers the item/*/requestApproval methods.
type ItemApprovalResponse struct {
	Decision string `json:"decision"`
}
