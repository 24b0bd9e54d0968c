package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/headless"
	"github.com/forgecode/forge/internal/provider"
	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/pkg/protocol"
)

// runRoot dispatches the root invocation: listing modes print and exit,
// session-management flags pick the session, --task/--ui run the agent.
func runRoot(cmd *cobra.Command, args []string) error {
	if err := validateRootFlags(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case flagListModels:
		return listModels(ctx)
	case flagListProviders:
		return listProviders(ctx)
	case flagListChats:
		return listChats(ctx)
	case flagDeleteChat != "":
		return deleteChat(ctx, flagDeleteChat)
	}

	if flagUI {
		return runInteractive(ctx)
	}

	if flagTask == "" && !flagContinue && flagChatID == "" {
		return cmd.Help()
	}

	return runHeadless(ctx)
}

// validateRootFlags rejects contradictory session-management modes and
// malformed enum flags up front.
func validateRootFlags() error {
	switch protocol.ToolSyntax(flagToolSyntax) {
	case protocol.ToolSyntaxNative, protocol.ToolSyntaxXML, protocol.ToolSyntaxCaret:
	default:
		return &usageError{fmt.Sprintf("invalid --tool-syntax %q: want native, xml, or caret", flagToolSyntax)}
	}

	modes := 0
	if flagContinue {
		modes++
	}
	if flagChatID != "" {
		modes++
	}
	if flagListChats {
		modes++
	}
	if flagDeleteChat != "" {
		modes++
	}
	if modes > 1 {
		return &usageError{"--continue, --chat-id, --list-chats, and --delete-chat are mutually exclusive"}
	}

	if flagRecord != "" && flagPlayback != "" {
		return &usageError{"--record and --playback are mutually exclusive"}
	}
	return nil
}

// runHeadless executes one task to completion through the headless
// runner and exits.
func runHeadless(ctx context.Context) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg := headless.DefaultConfig()
	cfg.Prompt = flagTask
	cfg.WorkDir = workDir
	cfg.Model = flagModel
	cfg.ContinueLast = flagContinue
	cfg.SessionID = flagChatID
	cfg.ToolSyntax = flagToolSyntax
	cfg.RecordPath = flagRecord
	cfg.PlaybackPath = flagPlayback
	cfg.FastPlayback = flagFastPlayback
	cfg.UseDiffFormat = flagUseDiffFormat
	cfg.Verbose = flagVerbose > 0
	cfg.AutoApprove = true

	runner := headless.NewRunner(cfg)
	result, err := runner.Run(ctx, os.Stdout)
	if err != nil {
		return err
	}
	if result != nil && result.ExitCode != headless.ExitSuccess {
		return fmt.Errorf("run finished with status %s", result.Status)
	}
	return nil
}

// runInteractive is the line-based terminal front end: it owns a
// MultiSessionManager, connects a FragmentUI to the active session, and
// submits each input line as a user turn. Submitting while the agent
// runs queues a pending message.
func runInteractive(ctx context.Context) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, workDir)
	if err != nil {
		return err
	}

	termUI := headless.NewFragmentUI(os.Stdout, os.Stdin, flagVerbose == 0)

	var sess *protocol.ChatSession
	switch {
	case flagChatID != "":
		sess, err = rt.manager.Load(ctx, flagChatID)
	case flagContinue:
		sess, err = latestSession(ctx, rt.manager)
	default:
		sess, err = rt.manager.CreateWithOptions(ctx, session.CreateOptions{
			Directory:  workDir,
			ToolSyntax: protocol.ToolSyntax(flagToolSyntax),
			ModelName:  flagModel,
		})
	}
	if err != nil {
		return err
	}

	rt.manager.ConnectUI(sess.ID, termUI)
	fmt.Printf("session %s (%s)\n", sess.ID, sess.ToolSyntax)

	if flagTask != "" {
		if err := rt.manager.StartAgentForMessage(ctx, sess.ID, flagTask, nil, nil); err != nil {
			return err
		}
	}

	for {
		line, err := termUI.GetInput(ctx)
		if err != nil {
			// EOF or cancellation ends the interactive loop; wait for
			// any in-flight turn so its output is not cut off.
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			rt.manager.WaitForCompletion(waitCtx, sess.ID)
			cancel()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := rt.manager.StartAgentForMessage(ctx, sess.ID, line, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func latestSession(ctx context.Context, mgr *session.MultiSessionManager) (*protocol.ChatSession, error) {
	sessions, err := mgr.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no sessions to continue")
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Time.Updated > sessions[j].Time.Updated
	})
	return mgr.Load(ctx, sessions[0].ID)
}

func listChats(ctx context.Context) error {
	paths := config.GetPaths()
	store := storage.New(paths.StoragePath())
	svc := session.NewService(store)

	sessions, err := svc.List(ctx, "")
	if err != nil {
		return err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Time.Updated > sessions[j].Time.Updated
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tSYNTAX\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.ID,
			time.UnixMilli(s.Time.Updated).Format(time.DateTime),
			s.ToolSyntax,
			s.Title,
		)
	}
	return w.Flush()
}

func deleteChat(ctx context.Context, id string) error {
	paths := config.GetPaths()
	store := storage.New(paths.StoragePath())
	svc := session.NewService(store)

	if err := svc.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func listModels(ctx context.Context) error {
	reg, err := loadProviderRegistry(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROVIDER\tID\tCONTEXT")
	for _, m := range reg.AllModels() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", m.Name, m.ProviderID, m.ID, m.ContextLength)
	}
	return w.Flush()
}

func listProviders(ctx context.Context) error {
	reg, err := loadProviderRegistry(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODELS")
	for _, p := range reg.List() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.ID(), p.Name(), len(p.Models()))
	}
	return w.Flush()
}

func loadProviderRegistry(ctx context.Context) (*provider.Registry, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	appCfg, err := config.Load(workDir)
	if err != nil {
		return nil, &configError{fmt.Errorf("loading config: %w", err)}
	}
	if flagModel != "" {
		appCfg.Model = flagModel
	}
	reg, err := provider.InitializeProviders(ctx, appCfg)
	if err != nil {
		return nil, &configError{fmt.Errorf("initializing providers: %w", err)}
	}
	return reg, nil
}
