// Package approval decides how server-initiated exec and patch approval
// requests are answered.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/protocol"
	"github.com/cpjet64/codexrt/pkg/codex"
)

// Modes
const (
	ModeFullAccess = "full-access"
	ModePrompt     = "prompt"
)

// Decision sources, as journaled.
const (
	SourcePolicy     = "policy"
	SourceRemembered = "remembered"
	SourcePrompt     = "prompt"
	SourceError      = "error"
)

// Request kinds
const (
	KindExec  = "exec"
	KindPatch = "patch"
)

// ExecRequest asks to run a command.
type ExecRequest struct {
	ConversationID string
	CallID         string
	Command        []string
	Cwd            string
	Reason         string
}

// PatchRequest asks to write files.
type PatchRequest struct {
	ConversationID string
	CallID         string
	Paths          []string
	Reason         string
	GrantRoot      string
}

// Prompter asks the user to approve something. It may block.
type Prompter interface {
	Confirm(ctx context.Context, title, detail string) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, title, detail string) (bool, error)

func (f PrompterFunc) Confirm(ctx context.Context, title, detail string) (bool, error) {
	return f(ctx, title, detail)
}

// Rationaler is implemented by prompters that can collect a reason after a
// denial.
type Rationaler interface {
	Rationale(ctx context.Context, title string) (string, error)
}

// Registrar accepts server request handlers; session.Session implements it.
type Registrar interface {
	Handle(method string, h protocol.Handler)
}

// Controller resolves approval requests from policy, memory or a prompt.
type Controller struct {
	fullAccess bool
	prompter   Prompter
	journal    Journal
	logger     *logger.Logger

	mu         sync.Mutex
	remembered map[string]codex.ReviewDecision

	// prompting holds one lock per approval key, so a repeated request
	// waits and then reuses the answer instead of prompting again while
	// unrelated keys prompt independently.
	prompting map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey blocks until no other prompt for key is in flight and returns the
// matching unlock.
func (c *Controller) lockKey(key string) func() {
	c.mu.Lock()
	l, ok := c.prompting[key]
	if !ok {
		l = &keyLock{}
		c.prompting[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.prompting, key)
		}
		c.mu.Unlock()
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithJournal records every decision in j.
func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// NewController creates a Controller. mode is ModeFullAccess or ModePrompt.
func NewController(mode string, prompter Prompter, log *logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		fullAccess: mode == ModeFullAccess,
		prompter:   prompter,
		logger:     log.WithComponent("approval-controller"),
		remembered: make(map[string]codex.ReviewDecision),
		prompting:  make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveExec decides an exec request.
func (c *Controller) ResolveExec(ctx context.Context, req ExecRequest) codex.ReviewDecision {
	key := ExecKey(req.Cwd, req.Command)
	title := "Allow Codex to run a command?"
	detail := fmt.Sprintf("$ %s\nin %s", normalizeCommand(req.Command), displayDir(req.Cwd))
	if req.Reason != "" {
		detail += "\n\n" + req.Reason
	}
	return c.resolve(ctx, decisionInput{
		kind:           KindExec,
		key:            key,
		title:          title,
		detail:         detail,
		conversationID: req.ConversationID,
		callID:         req.CallID,
	})
}

// ResolvePatch decides a patch request.
func (c *Controller) ResolvePatch(ctx context.Context, req PatchRequest) codex.ReviewDecision {
	key := PatchKey(req.Paths)
	title := "Allow Codex to apply a patch?"
	paths := cleanPaths(req.Paths)
	detail := fmt.Sprintf("%d file(s):\n  %s", len(paths), strings.Join(paths, "\n  "))
	if req.GrantRoot != "" {
		detail += "\nwrite access to " + req.GrantRoot
	}
	if req.Reason != "" {
		detail += "\n\n" + req.Reason
	}
	return c.resolve(ctx, decisionInput{
		kind:           KindPatch,
		key:            key,
		title:          title,
		detail:         detail,
		conversationID: req.ConversationID,
		callID:         req.CallID,
	})
}

// Reset forgets every remembered decision.
func (c *Controller) Reset() {
	c.mu.Lock()
	n := len(c.remembered)
	c.remembered = make(map[string]codex.ReviewDecision)
	c.mu.Unlock()
	c.logger.Info("remembered approvals cleared", zap.Int("count", n))
}

// Remembered returns the number of remembered decisions.
func (c *Controller) Remembered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remembered)
}

// Register binds the four approval methods on r.
func (c *Controller) Register(r Registrar) {
	r.Handle(codex.MethodExecCommandApproval, c.handleExecCommandApproval)
	r.Handle(codex.MethodApplyPatchApproval, c.handleApplyPatchApproval)
	r.Handle(codex.MethodCommandExecutionApproval, c.handleCommandExecutionApproval)
	r.Handle(codex.MethodFileChangeApproval, c.handleFileChangeApproval)
}

type decisionInput struct {
	kind           string
	key            string
	title          string
	detail         string
	conversationID string
	callID         string
}

func (c *Controller) resolve(ctx context.Context, in decisionInput) codex.ReviewDecision {
	log := c.logger.WithFields(
		zap.String("kind", in.kind),
		zap.String("key", in.key),
		zap.String("call_id", in.callID))

	if c.fullAccess {
		log.Info("approval granted by full-access policy")
		c.record(ctx, in, codex.DecisionApproved, SourcePolicy, "")
		return codex.DecisionApproved
	}

	if d, ok := c.lookup(in.key); ok {
		c.logRemembered(log, d)
		c.record(ctx, in, d, SourceRemembered, "")
		return d
	}

	unlock := c.lockKey(in.key)
	defer unlock()

	// Another request with the same key may have been answered while we waited.
	if d, ok := c.lookup(in.key); ok {
		c.logRemembered(log, d)
		c.record(ctx, in, d, SourceRemembered, "")
		return d
	}

	approved, err := c.prompt(ctx, in.title, in.detail)
	if err != nil {
		d := codex.DecisionDenied
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			d = codex.DecisionAbort
		}
		log.Warn("approval prompt failed", zap.Error(err), zap.String("decision", string(d)))
		c.record(ctx, in, d, SourceError, err.Error())
		return d
	}

	d := codex.DecisionDenied
	if approved {
		d = codex.DecisionApproved
	}

	var rationale string
	if !approved {
		rationale = c.rationale(ctx, in.title)
		log.Info("approval denied by user", zap.String("rationale", rationale))
	} else {
		log.Info("approval granted by user")
	}

	c.mu.Lock()
	c.remembered[in.key] = d
	c.mu.Unlock()

	c.record(ctx, in, d, SourcePrompt, rationale)
	return d
}

func (c *Controller) lookup(key string) (codex.ReviewDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.remembered[key]
	return d, ok
}

func (c *Controller) logRemembered(log *logger.Logger, d codex.ReviewDecision) {
	if d == codex.DecisionDenied {
		log.Info("approval denied from remembered decision")
		return
	}
	log.Info("approval reused from remembered decision", zap.String("decision", string(d)))
}

func (c *Controller) prompt(ctx context.Context, title, detail string) (approved bool, err error) {
	if c.prompter == nil {
		return false, errors.New("no approval prompter configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("approval prompter panic: %v", r)
		}
	}()
	return c.prompter.Confirm(ctx, title, detail)
}

func (c *Controller) rationale(ctx context.Context, title string) string {
	r, ok := c.prompter.(Rationaler)
	if !ok {
		return ""
	}
	reason, err := r.Rationale(ctx, title)
	if err != nil {
		c.logger.Debug("no rationale collected", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(reason)
}

func (c *Controller) record(ctx context.Context, in decisionInput, d codex.ReviewDecision, source, note string) {
	if c.journal == nil {
		return
	}
	rec := Record{
		ID:             uuid.New().String(),
		Kind:           in.kind,
		Key:            in.key,
		Decision:       string(d),
		Source:         source,
		ConversationID: in.conversationID,
		CallID:         in.callID,
		Note:           note,
		CreatedAt:      time.Now().UTC(),
	}
	// The request context may already be gone when the prompt was aborted.
	if err := c.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("failed to journal approval", zap.Error(err))
	}
}

func (c *Controller) handleExecCommandApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p codex.ExecCommandApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid execCommandApproval params: %w", err)
	}
	d := c.ResolveExec(ctx, ExecRequest{
		ConversationID: p.ConversationID,
		CallID:         p.CallID,
		Command:        p.Command,
		Cwd:            p.Cwd,
		Reason:         p.Reason,
	})
	return codex.ApprovalResponse{Decision: d}, nil
}

func (c *Controller) handleApplyPatchApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p codex.ApplyPatchApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid applyPatchApproval params: %w", err)
	}
	paths := make([]string, 0, len(p.FileChanges))
	for path := range p.FileChanges {
		paths = append(paths, path)
	}
	d := c.ResolvePatch(ctx, PatchRequest{
		ConversationID: p.ConversationID,
		CallID:         p.CallID,
		Paths:          paths,
		Reason:         p.Reason,
		GrantRoot:      p.GrantRoot,
	})
	return codex.ApprovalResponse{Decision: d}, nil
}

func (c *Controller) handleCommandExecutionApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p codex.CommandApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid commandExecution approval params: %w", err)
	}
	d := c.ResolveExec(ctx, ExecRequest{
		ConversationID: p.ThreadID,
		CallID:         p.ItemID,
		Command:        strings.Fields(p.Command),
		Cwd:            p.Cwd,
		Reason:         p.Reasoning,
	})
	return codex.ItemApprovalResponse{Decision: itemDecision(d)}, nil
}

func (c *Controller) handleFileChangeApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p codex.FileChangeApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid fileChange approval params: %w", err)
	}
	var paths []string
	if p.Path != "" {
		paths = []string{p.Path}
	}
	d := c.ResolvePatch(ctx, PatchRequest{
		ConversationID: p.ThreadID,
		CallID:         p.ItemID,
		Paths:          paths,
		Reason:         p.Reasoning,
	})
	return codex.ItemApprovalResponse{Decision: itemDecision(d)}, nil
}

// itemDecision maps a legacy decision onto the item/* vocabulary.
func itemDecision(d codex.ReviewDecision) string {
	switch d {
	case codex.DecisionApproved:
		return codex.ApprovalDecisionAccept
	case codex.DecisionApprovedForSession:
		return codex.ApprovalDecisionAcceptForSession
	case codex.DecisionAbort:
		return codex.ApprovalDecisionCancel
	default:
		return codex.ApprovalDecisionDecline
	}
}

// ExecKey is the memory key of a command run in cwd.
func ExecKey(cwd string, command []string) string {
	return KindExec + "|" + cleanDir(cwd) + "|" + normalizeCommand(command)
}

// PatchKey is the memory key of a set of files, independent of order.
func PatchKey(paths []string) string {
	return KindPatch + "|" + strings.Join(cleanPaths(paths), ",")
}

func normalizeCommand(command []string) string {
	return strings.Join(strings.Fields(strings.Join(command, " ")), " ")
}

func cleanDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return filepath.Clean(dir)
}

func displayDir(dir string) string {
	if d := cleanDir(dir); d != "" {
		return d
	}
	return "(default directory)"
}

func cleanPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
